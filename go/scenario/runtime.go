// Package scenario runs the discovered feature scenarios of a test against
// its producer and consumer streams, and captures evidence of the run.
// The runner is a blocking routine: callers invoke it from a worker and
// receive a Result record.
package scenario

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cucumber/godog"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/scratch"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/streams"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Streams bundles the per-topic stream handles of one test execution.
type Streams struct {
	producers map[string]*streams.Producer
	consumers map[string]*streams.Consumer
}

// NewStreams returns an empty Streams bundle.
func NewStreams() *Streams {
	return &Streams{
		producers: make(map[string]*streams.Producer),
		consumers: make(map[string]*streams.Consumer),
	}
}

func (s *Streams) AddProducer(p *streams.Producer) { s.producers[p.Topic()] = p }
func (s *Streams) AddConsumer(c *streams.Consumer) { s.consumers[c.Topic()] = c }

// Producer returns the producer stream of |topic|, if any.
func (s *Streams) Producer(topic string) (*streams.Producer, bool) {
	var p, ok = s.producers[topic]
	return p, ok
}

// Consumer returns the consumer stream of |topic|, if any.
func (s *Streams) Consumer(topic string) (*streams.Consumer, bool) {
	var c, ok = s.consumers[topic]
	return c, ok
}

// StopAll stops every stream of the bundle. Producers flush; consumers
// halt without draining.
func (s *Streams) StopAll() {
	for _, p := range s.producers {
		p.Stop()
	}
	for _, c := range s.consumers {
		c.Stop()
	}
}

// Result is the record of one scenario-set run.
type Result struct {
	Scenarios       int    `json:"scenarios"`
	ScenariosPassed int    `json:"scenariosPassed"`
	ScenariosFailed int    `json:"scenariosFailed"`
	Steps           int    `json:"steps"`
	StepsPassed     int    `json:"stepsPassed"`
	StepsFailed     int    `json:"stepsFailed"`
	StepsSkipped    int    `json:"stepsSkipped"`
	Passed          bool   `json:"passed"`
	Error           string `json:"error,omitempty"`
}

// Runner runs a workspace's scenario set to completion.
type Runner interface {
	Run(ctx context.Context, ws *scratch.Workspace, st *Streams, testType string) (*Result, error)
}

// Runtime is the production Runner, executing feature files with godog.
type Runtime struct {
	// AskTimeout bounds each stream interaction made by a step, and is
	// the window within which a fetched event must appear.
	AskTimeout time.Duration
}

var _ Runner = (*Runtime)(nil)

// Run executes every feature beneath the workspace's features directory.
// The cucumber report and a machine-readable summary are written to the
// workspace's evidence directory. A scenario failure is not an error:
// it's reported through Result.Passed.
func (r *Runtime) Run(_ context.Context, ws *scratch.Workspace, st *Streams, testType string) (*Result, error) {
	var askTimeout = r.AskTimeout
	if askTimeout <= 0 {
		askTimeout = 10 * time.Second
	}

	// Feature paths are resolved within an io/fs view rooted at the
	// workspace, keeping godog off the host filesystem.
	var root = afero.NewBasePathFs(ws.Fs(), ws.Root())
	var features, err = filepath.Rel(ws.Root(), ws.FeaturesDir())
	if err != nil {
		return nil, fmt.Errorf("resolving features path: %w", err)
	}
	var report bytes.Buffer

	var suite = godog.TestSuite{
		Name: "test-probe",
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			newSuiteContext(st, askTimeout).register(sc)
		},
		Options: &godog.Options{
			Format: "cucumber",
			Output: &report,
			Paths:  []string{features},
			FS:     afero.NewIOFS(root),
			// The test type selects the scenario subset to run, by tag.
			Tags:   tagFilter(testType),
			Strict: true,
		},
	}

	var status = suite.Run()

	if err = ws.WriteFile("evidence/report.json", report.Bytes()); err != nil {
		return nil, fmt.Errorf("writing cucumber report: %w", err)
	}

	result, err := summarize(report.Bytes(), status)
	if err != nil {
		return nil, err
	}

	summary, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshalling summary: %w", err)
	}
	if err = ws.WriteFile("evidence/summary.json", summary); err != nil {
		return nil, fmt.Errorf("writing summary: %w", err)
	}

	log.WithFields(log.Fields{
		"scenarios": result.Scenarios,
		"failed":    result.ScenariosFailed,
		"passed":    result.Passed,
	}).Info("scenario run complete")

	return result, nil
}

// tagFilter maps a test type onto a godog tag expression. Test types are
// descriptive by default and run every scenario; a type written as a tag
// ("@smoke") restricts the run to the scenarios carrying it.
func tagFilter(testType string) string {
	if strings.HasPrefix(testType, "@") {
		return testType
	}
	return ""
}

// cucumberFeature is the subset of godog's cucumber-format report the
// summarizer reads.
type cucumberFeature struct {
	Elements []struct {
		Type  string `json:"type"`
		Steps []struct {
			Result struct {
				Status string `json:"status"`
			} `json:"result"`
		} `json:"steps"`
	} `json:"elements"`
}

func summarize(report []byte, status int) (*Result, error) {
	var features []cucumberFeature
	if len(bytes.TrimSpace(report)) != 0 {
		if err := json.Unmarshal(report, &features); err != nil {
			return nil, fmt.Errorf("parsing cucumber report: %w", err)
		}
	}

	var out = new(Result)
	for _, f := range features {
		for _, el := range f.Elements {
			if el.Type != "scenario" {
				continue
			}
			out.Scenarios++

			var failed bool
			for _, step := range el.Steps {
				out.Steps++
				switch step.Result.Status {
				case "passed":
					out.StepsPassed++
				case "skipped":
					out.StepsSkipped++
				default:
					// failed, undefined, pending, ambiguous.
					out.StepsFailed++
					failed = true
				}
			}
			if failed {
				out.ScenariosFailed++
			} else {
				out.ScenariosPassed++
			}
		}
	}

	out.Passed = status == 0 && out.ScenariosFailed == 0 && out.Scenarios > 0
	if !out.Passed {
		switch {
		case out.Scenarios == 0:
			out.Error = "no scenarios were discovered"
		case out.ScenariosFailed != 0:
			out.Error = fmt.Sprintf("%d of %d scenarios failed", out.ScenariosFailed, out.Scenarios)
		default:
			out.Error = fmt.Sprintf("scenario suite exited with status %d", status)
		}
	}
	return out, nil
}
