package extract

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

var ErrNoMarker = errors.New("root marker not found")

// Namespace of the root marker written by WriteMarker
const Namespace = "http://www.leanpulse.com/schemas/syd/2011/core"

var depsRx = regexp.MustCompile(`^[\w|]+$`)

// Marker holds the attributes of the artifact root element describing the
// extraction which produced it.
type Marker struct {
	// Element is the local name, model or system
	Element string
	// ModelVersion is the source version identifier (mdlversion)
	ModelVersion string
	// ExtractorVersion (snapver)
	ExtractorVersion string
	// Conf is the decimal fingerprint checksum (snapconf)
	Conf string
	// Deps lists referenced model names (mdldep), nil when absent
	Deps []string
}

// ReadMarker returns the marker of an artifact. Only the tokens up to the
// root element are read.
func ReadMarker(path string) (Marker, error) {
	f, err := os.Open(path)
	if err != nil {
		return Marker{}, err
	}
	defer func() {
		_ = f.Close()
	}()
	return DecodeMarker(f)
}

func DecodeMarker(r io.Reader) (Marker, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false
	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			return Marker{}, ErrNoMarker
		}
		if err != nil {
			return Marker{}, fmt.Errorf("reading marker: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if se.Name.Local != "model" && se.Name.Local != "system" {
			return Marker{}, fmt.Errorf("%w: root element is %s", ErrNoMarker, se.Name.Local)
		}
		m := Marker{Element: se.Name.Local}
		for _, a := range se.Attr {
			switch a.Name.Local {
			case "mdlversion":
				m.ModelVersion = a.Value
			case "snapver":
				m.ExtractorVersion = a.Value
			case "snapconf":
				m.Conf = a.Value
			case "mdldep":
				if depsRx.MatchString(a.Value) {
					m.Deps = strings.Split(a.Value, "|")
				}
			}
		}
		return m, nil
	}
}

// WriteMarker writes the opening root element, the caller writes the
// content and the closing element.
func WriteMarker(w io.Writer, m Marker) error {
	elem := m.Element
	if elem == "" {
		elem = "model"
	}
	var sb strings.Builder
	sb.WriteString(xml.Header)
	fmt.Fprintf(&sb, `<syd:%s xmlns:syd=%q`, elem, Namespace)
	attr := func(name, value string) {
		sb.WriteString(" ")
		sb.WriteString(name)
		sb.WriteString(`="`)
		_ = xml.EscapeText(&sb, []byte(value))
		sb.WriteString(`"`)
	}
	attr("mdlversion", m.ModelVersion)
	attr("snapver", m.ExtractorVersion)
	attr("snapconf", m.Conf)
	if len(m.Deps) > 0 {
		attr("mdldep", strings.Join(m.Deps, "|"))
	}
	sb.WriteString(">\n")
	_, err := io.WriteString(w, sb.String())
	return err
}
