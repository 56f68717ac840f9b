package cron

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Job is one reconciliation task run by the sweep worker on every cycle.
type Job interface {
	Name() string
	// Run handles one batch and reports how many rows ended in each
	// outcome. A partial failure returns both the report and an error.
	Run(ctx context.Context) (Report, error)
}

// Report counts rows per outcome, for example {"polled": 4, "expired": 1}.
type Report map[string]int

func (r Report) Add(outcome string, n int) {
	if n != 0 {
		r[outcome] += n
	}
}

// String renders the counts in key order: "expired=1 polled=4".
func (r Report) String() string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, r[k]))
	}
	return strings.Join(parts, " ")
}

// Registry keeps jobs in registration order. Names must be unique because
// they label the sweep metrics.
type Registry struct {
	jobs []Job
}

func NewRegistry(jobs ...Job) (*Registry, error) {
	r := &Registry{}
	for _, job := range jobs {
		if err := r.Register(job); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(job Job) error {
	if job == nil {
		return nil
	}
	if job.Name() == "" {
		return fmt.Errorf("cron job has no name")
	}
	if r.Lookup(job.Name()) != nil {
		return fmt.Errorf("cron job %q registered twice", job.Name())
	}
	r.jobs = append(r.jobs, job)
	return nil
}

// Lookup returns the named job or nil.
func (r *Registry) Lookup(name string) Job {
	for _, job := range r.jobs {
		if job.Name() == name {
			return job
		}
	}
	return nil
}

// Jobs returns a copy of the registered jobs.
func (r *Registry) Jobs() []Job {
	return append([]Job(nil), r.jobs...)
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.jobs))
	for _, job := range r.jobs {
		names = append(names, job.Name())
	}
	return names
}
