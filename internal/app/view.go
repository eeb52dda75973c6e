package app

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/roach88/geocore/internal/geo"
	"github.com/roach88/geocore/internal/model"
)

const (
	coordPrecision = 5
	precision      = 1
	timeLayout     = "Mon Jan _2 15:04:05 2006"
	trackTitle     = "Since start"
)

// ViewModel is everything a shell needs to draw the screen. Numbers are
// already formatted so shells stay thin.
type ViewModel struct {
	GPSStatus         string       `json:"gps_status" cbor:"1,keyasint"`
	CurrentProperties []string     `json:"current_properties" cbor:"2,keyasint"`
	Entities          []EntityView `json:"entities" cbor:"3,keyasint"`
	Track             *WayView     `json:"track,omitempty" cbor:"4,keyasint,omitempty"`
	Ways              []WayView    `json:"ways" cbor:"5,keyasint"`
	Message           string       `json:"message,omitempty" cbor:"6,keyasint,omitempty"`
	Geolocating       bool         `json:"geolocating" cbor:"7,keyasint"`
	EntityCount       int          `json:"entity_count" cbor:"8,keyasint"`
}

// EntityView is one listed entity. Distance and Bearing are set when the
// current position is known.
type EntityView struct {
	ID         string   `json:"id" cbor:"1,keyasint"`
	Summary    string   `json:"summary" cbor:"2,keyasint"`
	Properties []string `json:"properties" cbor:"3,keyasint"`
	Distance   *float64 `json:"distance,omitempty" cbor:"4,keyasint,omitempty"`
	Bearing    *float64 `json:"bearing,omitempty" cbor:"5,keyasint,omitempty"`
	Deletable  bool     `json:"deletable" cbor:"6,keyasint"`
}

// WayView is one listed track.
type WayView struct {
	Name       string   `json:"name" cbor:"1,keyasint"`
	Summary    string   `json:"summary" cbor:"2,keyasint"`
	Properties []string `json:"properties" cbor:"3,keyasint"`
	Deletable  bool     `json:"deletable" cbor:"4,keyasint"`
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatPos(p geo.LatLong, altitude *float64, accuracy float64, altitudeAccuracy *float64) []string {
	ns, ew := "North", "East"
	if p.Lat < 0 {
		ns = "South"
	}
	if p.Lon < 0 {
		ew = "West"
	}
	out := []string{
		fmt.Sprintf("Latitude: %.*f° %s", coordPrecision, p.Lat, ns),
		fmt.Sprintf("Longitude: %.*f° %s", coordPrecision, p.Lon, ew),
	}
	if altitude != nil {
		out = append(out, fmt.Sprintf("Altitude: %.*f meters", precision, *altitude))
	}
	if accuracy > 0 {
		out = append(out, fmt.Sprintf("Accuracy: %.0f meters", math.Round(accuracy)))
	}
	if altitudeAccuracy != nil {
		out = append(out, fmt.Sprintf("Altitude accuracy: %.0f meters", math.Round(*altitudeAccuracy)))
	}
	return out
}

func entityView(e model.Entity, from *geo.LatLong) EntityView {
	v := EntityView{ID: string(e.ID), Summary: string(e.ID), Deletable: true}
	if from != nil {
		d := geo.Distance(*from, e.Position)
		b := geo.InitialBearing(*from, e.Position)
		v.Distance, v.Bearing = &d, &b
		v.Summary = fmt.Sprintf("%s: %.0f m, %.0f°", e.ID, math.Round(d), math.Round(b))
	}
	v.Properties = formatPos(e.Position, e.Altitude, e.Accuracy, e.AltitudeAccuracy)
	v.Properties = append(v.Properties, "Saved at: "+formatTimestamp(e.SavedAt))
	for k, val := range e.Attributes.All() {
		v.Properties = append(v.Properties, fmt.Sprintf("%s: %s", k, val))
	}
	return v
}

func wayView(name string, w model.Way, deletable bool) WayView {
	v := WayView{
		Name:      name,
		Summary:   fmt.Sprintf("%s: %.0f meters", name, math.Round(w.Length)),
		Deletable: deletable,
	}
	start, ok := w.Start()
	if !ok {
		v.Properties = []string{"The way doesn't have any nodes."}
		return v
	}
	end, _ := w.End()
	v.Properties = []string{
		fmt.Sprintf("Number of nodes: %d", w.Len()),
		"Start time: " + formatTimestamp(start),
		"End time: " + formatTimestamp(end),
	}
	return v
}

func gpsStatus(p model.Position, lastMinute int) string {
	switch {
	case p.Fix != nil:
		text := ""
		if p.Fix.Accuracy > 0 {
			text += fmt.Sprintf("Accuracy: %.*f m, ", precision, p.Fix.Accuracy)
		}
		if p.Fix.AltitudeAccuracy != nil {
			text += fmt.Sprintf("Altitude accuracy: %.*f m, ", precision, *p.Fix.AltitudeAccuracy)
		}
		return text + fmt.Sprintf("%d positions in the last minute.", lastMinute)
	case p.Err != "":
		return "GPS Error: " + p.Err
	}
	return "No GPS information"
}

func currentProperties(p model.Position) []string {
	f := p.Fix
	if f == nil {
		return []string{}
	}
	var out []string
	if f.Speed != nil {
		out = append(out, fmt.Sprintf("Speed: %.*f m/s", precision, *f.Speed))
	}
	if f.Heading != nil {
		out = append(out, fmt.Sprintf("Heading %.0f°", math.Round(*f.Heading)))
	}
	return append(out, formatPos(f.Position, f.Altitude, f.Accuracy, f.AltitudeAccuracy)...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
