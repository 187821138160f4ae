package metrics

import (
	"time"

	"github.com/snatchd/snatchd/pkg/types"
)

// TaskLister is the narrow slice of TaskRegistry the collector samples. It
// is declared here, not imported from pkg/taskregistry, so this package
// never depends on the store implementation.
type TaskLister interface {
	ListAll() ([]*types.Task, error)
}

// Collector periodically samples the task registry into TasksTotal.
type Collector struct {
	tasks  TaskLister
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over a task lister.
func NewCollector(tasks TaskLister) *Collector {
	return &Collector{
		tasks:  tasks,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	tasks, err := c.tasks.ListAll()
	if err != nil {
		return
	}

	counts := make(map[types.TaskType]map[types.TaskStatus]int)
	for _, task := range tasks {
		if counts[task.Type] == nil {
			counts[task.Type] = make(map[types.TaskStatus]int)
		}
		counts[task.Type][task.Status]++
	}

	for taskType, statuses := range counts {
		for status, count := range statuses {
			TasksTotal.WithLabelValues(string(taskType), string(status)).Set(float64(count))
		}
	}
}
