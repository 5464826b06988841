/*
Package events provides the orchestration event bus.

The Broker fans events out to in-process subscribers over buffered
channels. Publishing never blocks; when the queue is full the event is
dropped.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.Message)
		}
	}()

	broker.Publish(events.New(events.EventTaskLaunched, "task launched", "task", "jetdb"))

# NATS

Forward copies every event to a Sink as JSON. NewNATSSink publishes to
<subject>.<event type>, for example flotilla.events.task.launched, and
reconnects forever when the server goes away.

Components that do not care about events take events.Discard.
*/
package events
