package engine

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Task is a scheduled unit of work. Stop may be called any number of times.
type Task interface {
	Stop()
}

// Scheduler runs functions later or on a fixed interval. Runs of one
// recurring task never overlap.
type Scheduler interface {
	Every(d time.Duration, fn func()) Task
	After(d time.Duration, fn func()) Task
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type timerScheduler struct{}

type tickerTask struct {
	once sync.Once
	done chan struct{}
}

func (t *tickerTask) Stop() {
	t.once.Do(func() { close(t.done) })
}

func (timerScheduler) Every(d time.Duration, fn func()) Task {
	t := &tickerTask{done: make(chan struct{})}
	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
				select {
				case <-t.done:
					return
				default:
				}
				fn()
			}
		}
	}()
	return t
}

type afterTask struct {
	timer *time.Timer
}

func (t afterTask) Stop() { t.timer.Stop() }

func (timerScheduler) After(d time.Duration, fn func()) Task {
	return afterTask{timer: time.AfterFunc(d, fn)}
}

// stopTask stops t if set and clears the handle.
func stopTask(t *Task) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
