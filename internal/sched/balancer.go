package sched

import (
	"context"
	"errors"
	"sync"
	"time"
)

// LoadBalancer routes submissions across independent in-process Scheduler
// instances, preferring the least-loaded one. Requests are not visible
// across instances: callers must wait on the instance that accepted the
// submission, which SubmitRequest returns.
type LoadBalancer struct {
	mu        sync.Mutex
	instances []*Scheduler
	cursor    int
}

func NewLoadBalancer(instances ...*Scheduler) (*LoadBalancer, error) {
	if len(instances) == 0 {
		return nil, errors.New("sched: load balancer needs at least one scheduler")
	}
	return &LoadBalancer{instances: instances}, nil
}

func (lb *LoadBalancer) Instances() []*Scheduler {
	return lb.instances
}

// Next picks the instance for the next submission. Each instance gets a
// weight of 10 when idle, else 100/load_score with
// load_score = queue_depth + 2*active_workers; selection is weighted
// round-robin over a cursor modulo the integer total. When every instance
// is saturated (integer total weight 0) it degrades to plain round-robin.
func (lb *LoadBalancer) Next() *Scheduler {
	n := len(lb.instances)
	weights := make([]float64, n)
	total := 0.0
	for i, inst := range lb.instances {
		m := inst.GetMetrics()
		score := m.QueueDepth + 2*m.ActiveWorkers
		if score == 0 {
			weights[i] = 10.0
		} else {
			weights[i] = 100.0 / float64(score)
		}
		total += weights[i]
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	tw := int(total)
	if tw <= 0 {
		inst := lb.instances[lb.cursor%n]
		lb.cursor++
		return inst
	}

	target := float64(lb.cursor % tw)
	lb.cursor++
	acc := 0.0
	for i, w := range weights {
		acc += w
		if target < acc {
			return lb.instances[i]
		}
	}
	return lb.instances[n-1]
}

// SubmitRequest delegates to the least-loaded instance and returns it along
// with the request id; WaitForRequest must be issued against that instance.
func (lb *LoadBalancer) SubmitRequest(sub Submit) (string, *Scheduler, error) {
	inst := lb.Next()
	id, err := inst.SubmitRequest(sub)
	return id, inst, err
}

// Start starts every instance; the first failure wins.
func (lb *LoadBalancer) Start(ctx context.Context) error {
	for _, inst := range lb.instances {
		if err := inst.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every instance, sharing the ctx budget across them.
func (lb *LoadBalancer) Stop(ctx context.Context) error {
	for _, inst := range lb.instances {
		_ = inst.Stop(ctx)
	}
	return nil
}

// GetMetrics sums instance snapshots into a fleet view. Averages are
// weighted by each instance's completed-request count.
func (lb *LoadBalancer) GetMetrics() MetricsSnapshot {
	var out MetricsSnapshot
	var waitSum, procSum time.Duration
	var completed uint64
	for _, inst := range lb.instances {
		m := inst.GetMetrics()
		out.QueueDepth += m.QueueDepth
		out.QueueCapacity += m.QueueCapacity
		out.ActiveWorkers += m.ActiveWorkers
		out.Sessions += m.Sessions
		out.Workers += m.Workers
		out.Running = out.Running || m.Running
		out.TotalRequests += m.TotalRequests
		out.CompletedRequests += m.CompletedRequests
		out.FailedRequests += m.FailedRequests
		out.CancelledRequests += m.CancelledRequests
		out.TimedOutRequests += m.TimedOutRequests
		out.RateLimited += m.RateLimited
		waitSum += m.AvgWaitTime * time.Duration(m.CompletedRequests)
		procSum += m.AvgProcessingTime * time.Duration(m.CompletedRequests)
		completed += m.CompletedRequests
	}
	if completed > 0 {
		out.AvgWaitTime = waitSum / time.Duration(completed)
		out.AvgProcessingTime = procSum / time.Duration(completed)
	}
	return out
}
