// Package output defines the value types produced by tools and LLM turns:
// the Output variant, the lazy columnar Table, streaming chunks, and usage
// accounting.
package output

import (
	"strings"
)

// Kind discriminates the Output variant.
type Kind int

const (
	KindText Kind = iota
	KindSQL
	KindTable
	KindList
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindSQL:
		return "sql"
	case KindTable:
		return "table"
	case KindList:
		return "list"
	case KindError:
		return "error"
	}
	return "unknown"
}

// Output is the tagged value every tool and LLM turn yields.
//
// A Table output never stores row bytes inline; it always carries a handle to
// a columnar file on disk. List is flat-append.
type Output struct {
	Kind  Kind
	Text  string
	Table *Table
	List  []Output
}

// Text returns a text output.
func Text(s string) Output { return Output{Kind: KindText, Text: s} }

// SQL returns a SQL output.
func SQL(s string) Output { return Output{Kind: KindSQL, Text: s} }

// TableOutput returns a table output wrapping a lazy table handle.
func TableOutput(t *Table) Output { return Output{Kind: KindTable, Table: t} }

// List returns a list output.
func List(items ...Output) Output { return Output{Kind: KindList, List: items} }

// ErrorOutput returns an error output.
func ErrorOutput(msg string) Output { return Output{Kind: KindError, Text: msg} }

// Replace swaps the payload string of a text-like output, keeping the kind.
func (o *Output) Replace(s string) {
	switch o.Kind {
	case KindText, KindSQL, KindError:
		o.Text = s
	}
}

// Append flat-appends items to a list output. Appending to a non-list first
// promotes the receiver into a list containing its prior value; an empty text
// value is dropped rather than kept.
func (o *Output) Append(items ...Output) {
	if o.Kind != KindList {
		prior := *o
		*o = Output{Kind: KindList}
		if !(prior.Kind == KindText && prior.Text == "") {
			o.List = append(o.List, prior)
		}
	}
	o.List = append(o.List, items...)
}

// String renders the output for display. Tables render as markdown.
func (o Output) String() string {
	switch o.Kind {
	case KindText, KindSQL, KindError:
		return o.Text
	case KindTable:
		if o.Table == nil {
			return ""
		}
		return o.Table.ToMarkdown()
	case KindList:
		parts := make([]string, 0, len(o.List))
		for _, item := range o.List {
			if s := item.String(); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// Container is the final product of an executable: a single output, an
// ordered list, or a map of task outputs keyed by task name.
type Container struct {
	Single *Output
	Items  []Container
	Tasks  map[string]Container
}

// Single wraps one output in a container.
func Single(o Output) Container { return Container{Single: &o} }

// ListContainer wraps outputs in a list container.
func ListContainer(items ...Container) Container { return Container{Items: items} }

// MapContainer wraps named task outputs.
func MapContainer(tasks map[string]Container) Container { return Container{Tasks: tasks} }

// String renders the container for display.
func (c Container) String() string {
	switch {
	case c.Single != nil:
		return c.Single.String()
	case c.Items != nil:
		parts := make([]string, 0, len(c.Items))
		for _, item := range c.Items {
			if s := item.String(); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	case c.Tasks != nil:
		parts := make([]string, 0, len(c.Tasks))
		for name, task := range c.Tasks {
			parts = append(parts, name+":\n"+task.String())
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// Tables collects every table handle reachable from the container.
func (c Container) Tables() []*Table {
	var tables []*Table
	var walkOutput func(o Output)
	walkOutput = func(o Output) {
		switch o.Kind {
		case KindTable:
			if o.Table != nil {
				tables = append(tables, o.Table)
			}
		case KindList:
			for _, item := range o.List {
				walkOutput(item)
			}
		}
	}
	var walk func(c Container)
	walk = func(c Container) {
		if c.Single != nil {
			walkOutput(*c.Single)
		}
		for _, item := range c.Items {
			walk(item)
		}
		for _, task := range c.Tasks {
			walk(task)
		}
	}
	walk(c)
	return tables
}

// Chunk is the atomic streaming unit. Ordering is FIFO per key; the last
// chunk for a key has Finished set.
type Chunk struct {
	Key      string
	Delta    Output
	Finished bool
}

// Usage counts tokens consumed by a request. Values are additive across tool
// calls and retries; one final value is reported per top-level request.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
