package types

// Field names of a normalized machine record, in schema order.
const (
	FieldTimestamp     = "Timestamp"
	FieldMinuteID      = "Minute ID"
	FieldISOTempReal   = "ISO Temp Real"
	FieldISOTempSet    = "ISO Temp Set"
	FieldResinTempReal = "RESIN Temp Real"
	FieldResinTempSet  = "RESIN Temp Set"
	FieldHoseTempReal  = "HOSE Temp Real"
	FieldHoseTempSet   = "HOSE Temp Set"
	FieldValue8        = "Value8"
	FieldValue9        = "Value9"
	FieldISOAmperage   = "ISO Amperage"
	FieldResinAmperage = "RESIN Amperage"
	FieldISOPressure   = "ISO Pressure"
	FieldResinPressure = "RESIN Pressure"
	FieldCounter       = "Counter"
	FieldValue15       = "Value15"
	FieldStatus        = "Status"
	FieldMachine       = "Machine"
	FieldLocation      = "Location"
	FieldLocationName  = "Location Name"
)

// ColumnFields maps raw log columns 1..16 to record fields. Index 0 is the
// timestamp column and is normalized separately.
var ColumnFields = [...]string{
	1:  FieldMinuteID,
	2:  FieldISOTempReal,
	3:  FieldISOTempSet,
	4:  FieldResinTempReal,
	5:  FieldResinTempSet,
	6:  FieldHoseTempReal,
	7:  FieldHoseTempSet,
	8:  FieldValue8,
	9:  FieldValue9,
	10: FieldISOAmperage,
	11: FieldResinAmperage,
	12: FieldISOPressure,
	13: FieldResinPressure,
	14: FieldCounter,
	15: FieldValue15,
	16: FieldStatus,
}

// MinColumns is the minimum number of ;-separated columns in a usable line.
const MinColumns = 17

// Schema lists every field of a Record in order.
var Schema = []string{
	FieldTimestamp,
	FieldMinuteID,
	FieldISOTempReal,
	FieldISOTempSet,
	FieldResinTempReal,
	FieldResinTempSet,
	FieldHoseTempReal,
	FieldHoseTempSet,
	FieldValue8,
	FieldValue9,
	FieldISOAmperage,
	FieldResinAmperage,
	FieldISOPressure,
	FieldResinPressure,
	FieldCounter,
	FieldValue15,
	FieldStatus,
	FieldMachine,
	FieldLocation,
	FieldLocationName,
}

// Record is a normalized machine log record
type Record map[string]string

// Empty reports whether the record carries no fields
func (r Record) Empty() bool {
	return len(r) == 0
}

// Clone returns an independent copy of the record
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Equal reports whether both records hold the same fields and values
func (r Record) Equal(other Record) bool {
	if len(r) != len(other) {
		return false
	}
	for k, v := range r {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Identity holds the static identity of the monitored machine
type Identity struct {
	Machine       string `json:"machine"`
	LocationPoint string `json:"location_point"`
	LocationName  string `json:"location_name"`
}
