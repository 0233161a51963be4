package messaging

import (
	"log"
	"sync"
	"time"

	"sortarm/config"
	"sortarm/store"
)

// outboxRetention is how long delivered messages stay in the table before
// the drainer prunes them.
const outboxRetention = 24 * time.Hour

// OutboxDrainer periodically sends pending outbox messages. Operations are
// queued in SQLite while the broker is unreachable and published in order
// once it comes back.
type OutboxDrainer struct {
	db       *store.DB
	client   *Client
	cfg      *config.MessagingConfig
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewOutboxDrainer creates a new outbox drainer.
func NewOutboxDrainer(db *store.DB, client *Client, cfg *config.MessagingConfig) *OutboxDrainer {
	return &OutboxDrainer{
		db:       db,
		client:   client,
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}
}

// Start begins the outbox drain loop.
func (d *OutboxDrainer) Start() {
	d.wg.Add(1)
	go d.drainLoop()
}

// Stop stops the outbox drain loop.
func (d *OutboxDrainer) Stop() {
	select {
	case <-d.stopChan:
	default:
		close(d.stopChan)
	}
	d.wg.Wait()
}

func (d *OutboxDrainer) drainLoop() {
	defer d.wg.Done()

	interval := d.cfg.OutboxDrainInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			d.drain()
		}
	}
}

func (d *OutboxDrainer) drain() {
	if !d.client.IsConnected() {
		return
	}

	msgs, err := d.db.PendingOutbox(50)
	if err != nil {
		log.Printf("pending outbox: %v", err)
		return
	}

	for _, msg := range msgs {
		if err := d.client.Publish(msg.Topic, msg.Payload); err != nil {
			log.Printf("publish outbox msg %d: %v", msg.ID, err)
			d.db.BumpOutboxRetries(msg.ID)
			continue
		}
		if err := d.db.MarkOutboxSent(msg.ID); err != nil {
			log.Printf("mark outbox msg %d sent: %v", msg.ID, err)
		}
	}

	if n, err := d.db.PruneOutbox(outboxRetention); err != nil {
		log.Printf("prune outbox: %v", err)
	} else if n > 0 {
		log.Printf("pruned %d sent outbox messages", n)
	}
}
