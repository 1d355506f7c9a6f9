// Package drawer renders the job graph of a workflow as a DOT document.
// After a run the vertices are labeled with job durations and colored on a
// blue-to-red gradient, so the slowest parts of a workflow stand out.
package drawer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/template"
	"time"

	"github.com/dominikbraun/graph"
	"github.com/rotisserie/eris"
	colors "gopkg.in/go-playground/colors.v1"

	"github.com/gantryci/gantry/pkg/registry"
	"github.com/gantryci/gantry/pkg/workflow"
)

const maxRGB = 240

// Drawer holds the job graph of one workflow.
type Drawer struct {
	graph graph.Graph[string, string]
	jobs  []string
}

// New builds the graph from the workflow's jobs and needs edges. Cycles and
// needs on unknown jobs are rejected.
func New(wf *workflow.Workflow) (*Drawer, error) {
	d := &Drawer{
		graph: graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles()),
	}

	for _, job := range wf.Jobs {
		attrs := []func(*graph.VertexProperties){graph.VertexAttribute("shape", "box")}
		if job.Hidden {
			attrs = append(attrs, graph.VertexAttribute("style", "dashed"))
		}

		if err := d.graph.AddVertex(job.Name, attrs...); err != nil {
			return nil, eris.Wrapf(err, "unable to add job %s", job.Name)
		}

		d.jobs = append(d.jobs, job.Name)
	}

	for _, job := range wf.Jobs {
		for _, dep := range job.Needs {
			if _, ok := wf.Job(dep); !ok {
				return nil, eris.Errorf("job %s needs unknown job %s", job.Name, dep)
			}

			err := d.graph.AddEdge(dep, job.Name)
			if err != nil && !eris.Is(err, graph.ErrEdgeAlreadyExists) {
				return nil, eris.Wrapf(err, "unable to add edge from %s to %s", dep, job.Name)
			}
		}
	}

	return d, nil
}

// ApplyRun decorates the graph with the outcome of a run: every executed job
// gets its total duration as a label and a gradient color between blue (the
// fastest job of this run) and red (the slowest). Failed jobs are plain red.
func (d *Drawer) ApplyRun(run *registry.Run) error {
	totals := make(map[string]time.Duration)
	failed := make(map[string]bool)

	for _, job := range run.Jobs {
		switch job.Status {
		case registry.StatusPassed:
			totals[job.Name] += job.Duration
		case registry.StatusFailed:
			totals[job.Name] += job.Duration
			failed[job.Name] = true
		}
	}

	if len(totals) == 0 {
		return nil
	}

	var minTotal, maxTotal time.Duration
	first := true
	for _, total := range totals {
		if first || total < minTotal {
			minTotal = total
		}
		if first || total > maxTotal {
			maxTotal = total
		}
		first = false
	}

	redColor, err := colors.RGB(255, 0, 0)
	if err != nil {
		return eris.Wrap(err, "unable to get colour")
	}

	for name, total := range totals {
		_, properties, err := d.graph.VertexWithProperties(name)
		if err != nil {
			return eris.Wrapf(err, "unable to get vertex properties for %s", name)
		}

		properties.Attributes["xlabel"] = total.Round(time.Millisecond).String()

		if failed[name] {
			properties.Attributes["color"] = redColor.ToHEX().String()
			continue
		}

		fraction := 1.0
		if maxTotal > minTotal {
			fraction = float64(total-minTotal) / float64(maxTotal-minTotal)
		}

		red := uint8(maxRGB * fraction)
		blue := uint8(maxRGB - maxRGB*fraction)

		gradient, err := colors.RGB(red, 0, blue)
		if err != nil {
			return eris.Wrap(err, "unable to get colour")
		}

		properties.Attributes["color"] = gradient.ToHEX().String()
	}

	return nil
}

// WriteDOT renders the graph as a DOT document.
func (d *Drawer) WriteDOT(w io.Writer) error {
	desc, err := d.describe()
	if err != nil {
		return err
	}

	tpl, err := template.New("dot").Parse(dotTemplate)
	if err != nil {
		return eris.Wrap(err, "failed to parse DOT template")
	}

	return eris.Wrap(tpl.Execute(w, desc), "unable to render DOT document")
}

// WriteFile renders the graph into the named file.
func (d *Drawer) WriteFile(path string) error {
	hdl, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "unable to create file %s", path)
	}

	if err := d.WriteDOT(hdl); err != nil {
		hdl.Close()
		return err
	}

	return eris.Wrapf(hdl.Close(), "failed to close %s", path)
}

const dotTemplate = `strict digraph {
{{- range $k, $v := .Attributes}}
	{{$k}}="{{$v}}";
{{- end}}
{{- range $s := .Statements}}
	{{- if .Target}}
	"{{.Source}}" -> "{{.Target}}";
	{{- else}}
	"{{.Source}}" [ {{range $k, $v := .HTMLAttributes}}{{$k}}={{$v}}, {{end}}{{range $k, $v := .SourceAttributes}}{{$k}}="{{$v}}", {{end}}];
	{{- end}}
{{- end}}
}
`

type description struct {
	Attributes map[string]string
	Statements []statement
}

type statement struct {
	Source           string
	Target           string
	SourceAttributes map[string]string
	HTMLAttributes   map[string]string
}

// describe flattens the graph into template data. Vertices carrying an
// xlabel are rendered with an HTML label so the duration shows up inside the
// node instead of floating next to it.
func (d *Drawer) describe() (*description, error) {
	desc := &description{
		Attributes: map[string]string{"rankdir": "LR"},
	}

	adjacency, err := d.graph.AdjacencyMap()
	if err != nil {
		return nil, eris.Wrap(err, "unable to get adjacency map")
	}

	// iterate in declaration order so the output is stable
	for _, vertex := range d.jobs {
		_, properties, err := d.graph.VertexWithProperties(vertex)
		if err != nil {
			return nil, eris.Wrapf(err, "unable to get vertex properties for %s", vertex)
		}

		htmlAttributes := make(map[string]string)
		if xlabel, ok := properties.Attributes["xlabel"]; ok {
			htmlAttributes["label"] = fmt.Sprintf(`<%s <BR /> <FONT POINT-SIZE="12">%s</FONT>>`, vertex, xlabel)
			delete(properties.Attributes, "xlabel")
		}

		desc.Statements = append(desc.Statements, statement{
			Source:           vertex,
			SourceAttributes: properties.Attributes,
			HTMLAttributes:   htmlAttributes,
		})

		targets := make([]string, 0, len(adjacency[vertex]))
		for target := range adjacency[vertex] {
			targets = append(targets, target)
		}
		sort.Strings(targets)

		for _, target := range targets {
			desc.Statements = append(desc.Statements, statement{
				Source: vertex,
				Target: target,
			})
		}
	}

	return desc, nil
}
