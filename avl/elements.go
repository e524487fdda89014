package avl

import (
	"fmt"
	"strconv"
)

// Telemetry is the projection of well known TMT250 IO element ids onto named
// fields. Absent elements stay nil. Everything the table does not know about
// is kept verbatim in Record.Extra keyed by element id.
type Telemetry struct {
	BatteryVoltage   *uint16 // mV, id 67
	BatteryLevel     *uint8  // percent, id 113
	GNSSStatus       *bool   // id 69
	Movement         *bool   // id 240
	ChargerConnected *bool   // id 116
	GSMSignal        *uint8  // id 21
	PDOP             *float64 // id 181, wire value is dop*10
	HDOP             *float64 // id 182, wire value is dop*10
	ManDown          *bool   // id 242
	GeofenceZones    map[uint8]uint8 // zone number -> state
}

const (
	ElementGSMSignal        = 21
	ElementBatteryVoltage   = 67
	ElementGNSSStatus       = 69
	ElementBatteryLevel     = 113
	ElementChargerConnected = 116
	ElementPDOP             = 181
	ElementHDOP             = 182
	ElementMovement         = 240
	ElementManDown          = 242
)

// SetElement projects one decoded IO element onto the record.
func (r *Record) SetElement(id uint16, value uint64) {
	switch id {
	case ElementGSMSignal:
		v := uint8(value)
		r.Telemetry.GSMSignal = &v
	case ElementBatteryVoltage:
		v := uint16(value)
		r.Telemetry.BatteryVoltage = &v
	case ElementGNSSStatus:
		v := value != 0
		r.Telemetry.GNSSStatus = &v
	case ElementBatteryLevel:
		v := uint8(value)
		r.Telemetry.BatteryLevel = &v
	case ElementChargerConnected:
		v := value != 0
		r.Telemetry.ChargerConnected = &v
	case ElementPDOP:
		v := float64(value) / 10
		r.Telemetry.PDOP = &v
	case ElementHDOP:
		v := float64(value) / 10
		r.Telemetry.HDOP = &v
	case ElementMovement:
		v := value != 0
		r.Telemetry.Movement = &v
	case ElementManDown:
		v := value != 0
		r.Telemetry.ManDown = &v
	default:
		if zone, ok := geofenceZone(id); ok {
			if r.Telemetry.GeofenceZones == nil {
				r.Telemetry.GeofenceZones = make(map[uint8]uint8)
			}
			r.Telemetry.GeofenceZones[zone] = uint8(value)
			return
		}
		if r.Extra == nil {
			r.Extra = make(map[uint16]uint64)
		}
		r.Extra[id] = value
	}
}

// geofenceZone maps the sparse geofence element id ranges onto zone numbers.
func geofenceZone(id uint16) (uint8, bool) {
	switch {
	case id >= 155 && id <= 190:
		return uint8(id - 154), true
	case id >= 208 && id <= 231:
		return uint8(id - 171), true
	}
	return 0, false
}

// ElementName returns the human readable name of a known element id, or the
// decimal id itself.
func ElementName(id uint16) string {
	if name, ok := elementNames[id]; ok {
		return name
	}
	if zone, ok := geofenceZone(id); ok {
		return fmt.Sprintf("GeofenceZone%02d", zone)
	}
	return strconv.Itoa(int(id))
}

var elementNames = map[uint16]string{
	1:   "DigitalInput1",
	2:   "DigitalInput2",
	3:   "DigitalInput3",
	9:   "AnalogInput1",
	10:  "AnalogInput2",
	11:  "ICCID1",
	16:  "TotalOdometer",
	17:  "AxisX",
	18:  "AxisY",
	19:  "AxisZ",
	21:  "GSMSignal",
	24:  "GNSSSpeed",
	66:  "ExternalVoltage",
	67:  "BatteryVoltage",
	68:  "BatteryCurrent",
	69:  "GNSSStatus",
	70:  "PCBTemperature",
	80:  "DataMode",
	113: "BatteryLevel",
	116: "ChargerConnected",
	181: "PDOP",
	182: "HDOP",
	199: "TripOdometer",
	200: "SleepMode",
	205: "GSMCellID",
	206: "GSMAreaCode",
	239: "Ignition",
	240: "Movement",
	241: "ActiveGSMOperator",
	242: "ManDown",
	243: "GreenDrivingEventDuration",
	246: "Towing",
	247: "CrashDetection",
	249: "Jamming",
	250: "TripEvent",
	251: "IdlingEvent",
	252: "UnplugEvent",
	253: "GreenDrivingType",
	254: "GreenDrivingValue",
	255: "OverSpeeding",
}

// ElementsJSON flattens the projected telemetry and the residual map into one
// name keyed map, the shape persisted with each record.
func (r *Record) ElementsJSON() map[string]any {
	out := make(map[string]any)
	t := r.Telemetry
	if t.BatteryVoltage != nil {
		out["BatteryVoltage"] = *t.BatteryVoltage
	}
	if t.BatteryLevel != nil {
		out["BatteryLevel"] = *t.BatteryLevel
	}
	if t.GNSSStatus != nil {
		out["GNSSStatus"] = *t.GNSSStatus
	}
	if t.Movement != nil {
		out["Movement"] = *t.Movement
	}
	if t.ChargerConnected != nil {
		out["ChargerConnected"] = *t.ChargerConnected
	}
	if t.GSMSignal != nil {
		out["GSMSignal"] = *t.GSMSignal
	}
	if t.PDOP != nil {
		out["PDOP"] = *t.PDOP
	}
	if t.HDOP != nil {
		out["HDOP"] = *t.HDOP
	}
	if t.ManDown != nil {
		out["ManDown"] = *t.ManDown
	}
	for zone, state := range t.GeofenceZones {
		out[fmt.Sprintf("GeofenceZone%02d", zone)] = state
	}
	for id, value := range r.Extra {
		out[ElementName(id)] = value
	}
	return out
}
