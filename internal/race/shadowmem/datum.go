package shadowmem

import (
	"strconv"

	"github.com/kolkov/racecore/internal/race/racelog"
)

// Datum identifies a monitored location.
//
// For fields, Owner is the declaring type and Member the field name; Object
// is the instance identity, or 0 for static fields. For foreign objects,
// Owner is the object's type, Object its identity and Member empty: every
// method of the object touches the same datum.
//
// Datum is comparable and used directly as a Table key.
type Datum struct {
	Kind   racelog.TargetKind
	Owner  string
	Member string
	Object uint64
}

// Field returns the datum of a field. Use object 0 for static fields.
func Field(owner, field string, object uint64) Datum {
	return Datum{Kind: racelog.TargetField, Owner: owner, Member: field, Object: object}
}

// Object returns the datum of a foreign object.
func Object(typ string, object uint64) Datum {
	return Datum{Kind: racelog.TargetObject, Owner: typ, Object: object}
}

// Info renders the datum as the target description of a race record.
func (d Datum) Info() map[string]string {
	info := map[string]string{"owner": d.Owner}
	if d.Member != "" {
		info["member"] = d.Member
	}
	if d.Object != 0 {
		info["object"] = "0x" + strconv.FormatUint(d.Object, 16)
	}
	return info
}

func (d Datum) String() string {
	s := d.Owner
	if d.Member != "" {
		s += "." + d.Member
	}
	if d.Object != 0 {
		s += "@0x" + strconv.FormatUint(d.Object, 16)
	}
	return s
}
