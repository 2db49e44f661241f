package options

import "reflect"

// Change describes a single field that differs between two snapshots.
type Change struct {
	FieldPath   string
	Left, Right any
	ChangeClass ChangeClass
}

// Diff computes the field-level differences between previous and next,
// restricted to keys known to the registry (so stray map entries never
// produce spurious changes). An empty diff is returned as a nil slice so
// callers can test len(diff) == 0 without special-casing.
func (r *Registry) Diff(previous, next Snapshot) []Change {
	var changes []Change
	for _, d := range r.descriptors {
		left, leftOK := previous.Get(d.Key)
		right, rightOK := next.Get(d.Key)
		if !leftOK {
			left = d.Default
		}
		if !rightOK {
			right = d.Default
		}
		if !reflect.DeepEqual(left, right) {
			changes = append(changes, Change{
				FieldPath:   d.Key,
				Left:        left,
				Right:       right,
				ChangeClass: d.ChangeClass,
			})
		}
	}
	return changes
}

// FilterPrefix returns the subset of changes whose FieldPath starts with
// prefix + ".", used by the Soulseek Supervisor to restrict a diff to
// "soulseek."-rooted fields before building a client patch.
func FilterPrefix(changes []Change, prefix string) []Change {
	var out []Change
	for _, c := range changes {
		if len(c.FieldPath) > len(prefix) && c.FieldPath[:len(prefix)+1] == prefix+"." {
			out = append(out, c)
		}
	}
	return out
}
