package main

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/andreyvit/revdb"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

type docView struct {
	DocID     string    `json:"doc_id" yaml:"doc_id"`
	RevID     string    `json:"rev_id,omitempty" yaml:"rev_id,omitempty"`
	Sequence  uint64    `json:"sequence" yaml:"sequence"`
	Deleted   bool      `json:"deleted,omitempty" yaml:"deleted,omitempty"`
	Conflict  bool      `json:"conflicted,omitempty" yaml:"conflicted,omitempty"`
	Body      string    `json:"body,omitempty" yaml:"body,omitempty"`
	Revisions []revView `json:"revisions,omitempty" yaml:"revisions,omitempty"`
}

type revView struct {
	RevID    string `json:"rev_id" yaml:"rev_id"`
	Parent   string `json:"parent,omitempty" yaml:"parent,omitempty"`
	Flags    string `json:"flags" yaml:"flags"`
	Sequence uint64 `json:"sequence" yaml:"sequence"`
	Body     string `json:"body,omitempty" yaml:"body,omitempty"`
	Current  bool   `json:"current,omitempty" yaml:"current,omitempty"`
}

type changeView struct {
	DocID    string `json:"doc_id" yaml:"doc_id"`
	RevID    string `json:"rev_id,omitempty" yaml:"rev_id,omitempty"`
	Sequence uint64 `json:"sequence" yaml:"sequence"`
	Flags    string `json:"flags" yaml:"flags"`
	Op       string `json:"op" yaml:"op"`
	Time     string `json:"time,omitempty" yaml:"time,omitempty"`
}

func revIDString(id revdb.RevID) string {
	if id.IsZero() {
		return ""
	}
	return id.String()
}

func newDocView(doc *revdb.Document, withRevs bool) docView {
	v := docView{
		DocID:    doc.DocID(),
		RevID:    revIDString(doc.SelectedRevID()),
		Sequence: doc.Sequence(),
		Deleted:  doc.IsDeleted(),
		Conflict: doc.IsConflicted(),
		Body:     string(doc.SelectedBody()),
	}
	if withRevs {
		current := doc.Tree().Current()
		for _, r := range doc.Tree().All() {
			v.Revisions = append(v.Revisions, revView{
				RevID:    r.ID.String(),
				Parent:   revIDString(r.Parent),
				Flags:    r.Flags.String(),
				Sequence: r.Sequence,
				Body:     string(r.Body),
				Current:  r == current,
			})
		}
	}
	return v
}

func newChangeView(chg revdb.Change) changeView {
	return changeView{
		DocID:    chg.DocID,
		RevID:    revIDString(chg.RevID),
		Sequence: chg.Sequence,
		Flags:    chg.Flags.String(),
		Op:       chg.Op.String(),
	}
}

// emit prints v as JSON or YAML, or calls text for the text format.
func (env *Env) emit(v any, text func(w io.Writer)) error {
	switch env.Format {
	case formatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(env.Out, "%s\n", data)
		return err
	case formatYAML:
		enc := yaml.NewEncoder(env.Out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		text(env.Out)
		return nil
	}
}
