package mx

import (
	"sync"

	"github.com/pkg/errors"
)

// Job groups related processes under one capability. A child holding a
// job handle can create siblings inside the same container.
type Job struct {
	mu   sync.Mutex
	name string
}

func (j *Job) TypeName() string { return "job" }

func (j *Job) Name() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.name
}

// JobCreate makes a fresh, empty job.
func JobCreate(name string) Handle {
	return newHandle(&Job{name: name}, rightsDefault)
}

// JobOf resolves a handle to its Job.
func JobOf(h Handle) (*Job, error) {
	obj, _, err := h.get()
	if err != nil {
		return nil, err
	}
	j, ok := obj.(*Job)
	if !ok {
		return nil, errors.Wrap(ErrWrongType, "not a job handle")
	}
	return j, nil
}
