package gateway

type fanoutJob struct {
	conns   []*Client
	payload []byte
}

// Fanout is a fixed worker pool pushing one payload to many send queues,
// so a burst of big conversations cannot stall the consumer loop.
type Fanout struct {
	jobs chan fanoutJob
}

func NewFanout(workers, queue int) *Fanout {
	f := &Fanout{jobs: make(chan fanoutJob, queue)}
	for i := 0; i < workers; i++ {
		go func() {
			for job := range f.jobs {
				for _, c := range job.conns {
					select {
					case <-c.done:
						// Client gone between snapshot and delivery.
					case c.Send <- job.payload:
					default:
						// Slow client: skip, the reconciler's recovery
						// re-fetch covers what the queue dropped.
					}
				}
			}
		}()
	}
	return f
}

func (f *Fanout) Broadcast(conns []*Client, payload []byte) {
	if len(conns) == 0 || len(payload) == 0 {
		return
	}
	f.jobs <- fanoutJob{conns: conns, payload: payload}
}

func (f *Fanout) Close() { close(f.jobs) }
