package iiod

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
)

// contextXML is the subset of the iiod XML schema needed to stream. It
// follows the layout of PlutoSDR firmware output (v0.25/v0.38).
type contextXML struct {
	XMLName      xml.Name    `xml:"context"`
	Name         string      `xml:"name,attr"`
	VersionMajor string      `xml:"version-major,attr"`
	VersionMinor string      `xml:"version-minor,attr"`
	Description  string      `xml:"description,attr"`
	Device       []deviceXML `xml:"device"`
}

type deviceXML struct {
	ID      string       `xml:"id,attr"`
	Name    string       `xml:"name,attr"`
	Channel []channelXML `xml:"channel"`
}

type channelXML struct {
	ID          string          `xml:"id,attr"`
	Type        string          `xml:"type,attr"` // input | output
	ScanElement *scanElementXML `xml:"scan-element"`
}

type scanElementXML struct {
	Index  string `xml:"index,attr"`
	Format string `xml:"format,attr"`
}

// scanChannel is one buffer-capable channel of a device.
type scanChannel struct {
	ID    string
	Index int
}

// streamDevice describes a device able to move IQ buffers. Complex channel
// k is carried by scan elements 2k (I) and 2k+1 (Q).
type streamDevice struct {
	Name string
	Scan []scanChannel
}

// Channels returns the number of complex channels.
func (d streamDevice) Channels() int { return len(d.Scan) / 2 }

// mask returns the scan element mask enabling the given complex channels.
func (d streamDevice) mask(channels []int) uint32 {
	var m uint32
	for _, ch := range channels {
		m |= 1<<uint(d.Scan[2*ch].Index) | 1<<uint(d.Scan[2*ch+1].Index)
	}
	return m
}

// remoteContext is the parsed description of one iiod instance.
type remoteContext struct {
	Name        string
	Description string
	Devices     map[string]deviceXML
}

func parseContext(data []byte) (*remoteContext, error) {
	var raw contextXML
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse iiod context: %w", err)
	}
	rc := &remoteContext{
		Name:        raw.Name,
		Description: raw.Description,
		Devices:     make(map[string]deviceXML, len(raw.Device)),
	}
	for _, d := range raw.Device {
		if d.Name != "" {
			rc.Devices[d.Name] = d
		}
		rc.Devices[d.ID] = d
	}
	return rc, nil
}

// streamDevice returns the scan elements of the named device in the given
// direction, ordered by scan index. A missing device yields zero channels.
func (rc *remoteContext) streamDevice(name string, output bool) streamDevice {
	sd := streamDevice{Name: name}
	d, ok := rc.Devices[name]
	if !ok {
		return sd
	}
	want := "input"
	if output {
		want = "output"
	}
	for _, ch := range d.Channel {
		if ch.Type != want || ch.ScanElement == nil {
			continue
		}
		idx, err := strconv.Atoi(ch.ScanElement.Index)
		if err != nil {
			continue
		}
		sd.Scan = append(sd.Scan, scanChannel{ID: ch.ID, Index: idx})
	}
	sort.Slice(sd.Scan, func(i, j int) bool { return sd.Scan[i].Index < sd.Scan[j].Index })
	if len(sd.Scan)%2 != 0 {
		sd.Scan = sd.Scan[:len(sd.Scan)-1]
	}
	return sd
}
