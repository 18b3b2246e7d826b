package core

import "sync"

// Invoker owns every goroutine spawned by a component, so a Stop
// can wait for all of them to drain before returning.
type Invoker interface {
	// Spawn the function on its own goroutine.
	Spawn(f func())

	// Stop blocks until every spawned goroutine returned.
	Stop()
}

type waitGroupInvoker struct {
	group *sync.WaitGroup
}

func NewInvoker() Invoker {
	return &waitGroupInvoker{group: &sync.WaitGroup{}}
}

func (i *waitGroupInvoker) Spawn(f func()) {
	i.group.Add(1)
	go func() {
		defer i.group.Done()
		f()
	}()
}

func (i *waitGroupInvoker) Stop() {
	i.group.Wait()
}
