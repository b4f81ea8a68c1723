package uppaal

import (
	"bytes"
	"encoding/xml"
)

// Wire representation of the verifier's NTA document. Labels follow the
// standard kinds: guard, synchronisation, assignment, invariant.

type ntaDoc struct {
	XMLName     xml.Name      `xml:"nta"`
	Declaration string        `xml:"declaration"`
	Templates   []ntaTemplate `xml:"template"`
	System      string        `xml:"system"`
	Queries     ntaQueries    `xml:"queries"`
}

type ntaTemplate struct {
	Name        string          `xml:"name"`
	Declaration string          `xml:"declaration,omitempty"`
	Locations   []ntaLocation   `xml:"location"`
	Init        ntaRef          `xml:"init"`
	Transitions []ntaTransition `xml:"transition"`
}

type ntaLocation struct {
	ID        string `xml:"id,attr"`
	Name      string `xml:"name"`
	Invariant string `xml:"-"`
}

// MarshalXML renders the optional invariant as a label element, the way
// the verifier expects it.
func (l ntaLocation) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Local: "location"}
	start.Attr = []xml.Attr{{Name: xml.Name{Local: "id"}, Value: l.ID}}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if err := e.EncodeElement(l.Name, xml.StartElement{Name: xml.Name{Local: "name"}}); err != nil {
		return err
	}
	if l.Invariant != "" {
		if err := encodeLabel(e, "invariant", l.Invariant); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

type ntaRef struct {
	Ref string `xml:"ref,attr"`
}

type ntaTransition struct {
	Source     ntaRef `xml:"-"`
	Target     ntaRef `xml:"-"`
	Guard      string `xml:"-"`
	Sync       string `xml:"-"`
	Assignment string `xml:"-"`
}

func (t ntaTransition) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Local: "transition"}
	start.Attr = nil
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if err := e.EncodeElement(t.Source, xml.StartElement{Name: xml.Name{Local: "source"}}); err != nil {
		return err
	}
	if err := e.EncodeElement(t.Target, xml.StartElement{Name: xml.Name{Local: "target"}}); err != nil {
		return err
	}
	if t.Guard != "" {
		if err := encodeLabel(e, "guard", t.Guard); err != nil {
			return err
		}
	}
	if t.Sync != "" {
		if err := encodeLabel(e, "synchronisation", t.Sync); err != nil {
			return err
		}
	}
	if t.Assignment != "" {
		if err := encodeLabel(e, "assignment", t.Assignment); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

func encodeLabel(e *xml.Encoder, kind, text string) error {
	start := xml.StartElement{
		Name: xml.Name{Local: "label"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "kind"}, Value: kind}},
	}
	return e.EncodeElement(text, start)
}

type ntaQueries struct {
	Queries []query `xml:"query"`
}

type query struct {
	Formula string `xml:"formula"`
	Comment string `xml:"comment"`
}

// renderNTA marshals the document with the standard header and a stable
// two-space indent.
func renderNTA(doc *ntaDoc) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	buf.WriteString("\n")
	return buf.String(), nil
}
