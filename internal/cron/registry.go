package cron

import "context"

// Job is a housekeeping task run by the Service.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Registry holds housekeeping jobs in run order. Deadline expiry is
// registered before retention so freshly expired rows are escalated first.
type Registry struct {
	jobs []Job
}

func NewRegistry(jobs ...Job) *Registry {
	registry := &Registry{}
	for _, job := range jobs {
		registry.Register(job)
	}
	return registry
}

// Register appends job; nil jobs are ignored.
func (r *Registry) Register(job Job) {
	if job == nil {
		return
	}
	r.jobs = append(r.jobs, job)
}

// Jobs returns a copy of the registered jobs.
func (r *Registry) Jobs() []Job {
	return append([]Job(nil), r.jobs...)
}
