// Package objkey defines the Key type shared by every KeyedObject-style
// registry entry (renderers, renderings, rendering sets, partitions) so
// that gxy/raylist and gxy/registry can refer to the same identifier type
// without importing one another.
package objkey

// Key identifies a registered object, unique within a single process group.
// Grounded on original_source/src/framework/KeyedObject.h's `typedef long Key`.
type Key int64

// Invalid is the zero Key, never assigned to a real object.
const Invalid Key = 0
