// Package sqlpersist implements contract.Persistence over a SQL database
// reached through sqlx, grounded on the ambient database wrapper's
// Exec/Query/QueryOne shape. It is suitable for deployments that already
// run a relational store and want retained messages, subscriptions,
// offline queues and wills to survive a broker restart.
package sqlpersist

import (
	"context"
	"fmt"
	"iter"

	"github.com/jmoiron/sqlx"

	"github.com/studiolambda/ember/contract"
	"github.com/studiolambda/ember/internal/wildcard"
)

// Schema holds the CREATE TABLE statements for the four tables this
// package reads and writes. Callers run it once against their database.
// The column types are written in SQLite spelling (BLOB, INTEGER PRIMARY
// KEY AUTOINCREMENT); postgres/mysql spell these differently and need an
// adjusted copy.
const Schema = `
CREATE TABLE IF NOT EXISTS ember_retained (
	topic TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	qos INTEGER NOT NULL,
	retain BOOLEAN NOT NULL,
	broker_id TEXT NOT NULL,
	broker_counter INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ember_subscriptions (
	client_id TEXT NOT NULL,
	filter TEXT NOT NULL,
	qos INTEGER NOT NULL,
	PRIMARY KEY (client_id, filter)
);

CREATE TABLE IF NOT EXISTS ember_outgoing (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_id TEXT NOT NULL,
	topic TEXT NOT NULL,
	payload BLOB NOT NULL,
	qos INTEGER NOT NULL,
	retain BOOLEAN NOT NULL,
	broker_id TEXT NOT NULL,
	broker_counter INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ember_wills (
	client_id TEXT PRIMARY KEY,
	topic TEXT NOT NULL,
	payload BLOB NOT NULL,
	qos INTEGER NOT NULL,
	retain BOOLEAN NOT NULL,
	broker_id TEXT NOT NULL
);
`

// Store is a contract.Persistence implementation backed by sqlx.
type Store struct {
	db sqlx.ExtContext
}

// New opens driver/dsn with sqlx and pings it.
func New(driver, dsn string) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return NewFrom(db), nil
}

// NewFrom wraps an existing sqlx handle (a *sqlx.DB or *sqlx.Tx).
func NewFrom(db sqlx.ExtContext) *Store {
	return &Store{db: db}
}

type retainedRow struct {
	Topic         string `db:"topic"`
	Payload       []byte `db:"payload"`
	QoS           byte   `db:"qos"`
	Retain        bool   `db:"retain"`
	BrokerID      string `db:"broker_id"`
	BrokerCounter uint64 `db:"broker_counter"`
}

func (r retainedRow) packet() contract.Packet {
	return contract.Packet{
		Topic:         r.Topic,
		Payload:       r.Payload,
		QoS:           r.QoS,
		Retain:        r.Retain,
		BrokerID:      r.BrokerID,
		BrokerCounter: r.BrokerCounter,
	}
}

// StoreRetained upserts packet keyed by its topic. A zero-length payload
// deletes any existing retained message on that topic.
func (s *Store) StoreRetained(ctx context.Context, packet contract.Packet) error {
	if len(packet.Payload) == 0 {
		_, err := sqlx.NamedExecContext(ctx, s.db,
			`DELETE FROM ember_retained WHERE topic = :topic`,
			map[string]any{"topic": packet.Topic})

		return err
	}

	_, err := sqlx.NamedExecContext(ctx, s.db, `
		INSERT INTO ember_retained (topic, payload, qos, retain, broker_id, broker_counter)
		VALUES (:topic, :payload, :qos, :retain, :broker_id, :broker_counter)
		ON CONFLICT (topic) DO UPDATE SET
			payload = excluded.payload,
			qos = excluded.qos,
			retain = excluded.retain,
			broker_id = excluded.broker_id,
			broker_counter = excluded.broker_counter
	`, retainedRow{
		Topic:         packet.Topic,
		Payload:       packet.Payload,
		QoS:           packet.QoS,
		Retain:        packet.Retain,
		BrokerID:      packet.BrokerID,
		BrokerCounter: packet.BrokerCounter,
	})

	return err
}

// CreateRetainedStream loads every retained row and yields those whose
// topic matches filter. MQTT wildcard matching has no direct SQL
// equivalent, so the filtering happens in Go once the rows are loaded.
func (s *Store) CreateRetainedStream(ctx context.Context, filter string) iter.Seq[contract.Packet] {
	var rows []retainedRow
	_ = sqlx.SelectContext(ctx, s.db, &rows, `SELECT topic, payload, qos, retain, broker_id, broker_counter FROM ember_retained`)

	return func(yield func(contract.Packet) bool) {
		for _, row := range rows {
			if !wildcard.Match(filter, row.Topic) {
				continue
			}

			if !yield(row.packet()) {
				return
			}
		}
	}
}

type subscriptionRow struct {
	ClientID string `db:"client_id"`
	Filter   string `db:"filter"`
	QoS      byte   `db:"qos"`
}

func (r subscriptionRow) subscription() contract.Subscription {
	return contract.Subscription{ClientID: r.ClientID, Filter: r.Filter, QoS: r.QoS}
}

// AddSubscriptions persists subs, one row per (clientID, filter).
func (s *Store) AddSubscriptions(ctx context.Context, subs []contract.Subscription) error {
	for _, sub := range subs {
		_, err := sqlx.NamedExecContext(ctx, s.db, `
			INSERT INTO ember_subscriptions (client_id, filter, qos)
			VALUES (:client_id, :filter, :qos)
			ON CONFLICT (client_id, filter) DO UPDATE SET qos = excluded.qos
		`, subscriptionRow{ClientID: sub.ClientID, Filter: sub.Filter, QoS: sub.QoS})
		if err != nil {
			return err
		}
	}

	return nil
}

// RemoveSubscriptions deletes the given (clientID, filter) pairs.
func (s *Store) RemoveSubscriptions(ctx context.Context, subs []contract.Subscription) error {
	for _, sub := range subs {
		_, err := sqlx.NamedExecContext(ctx, s.db,
			`DELETE FROM ember_subscriptions WHERE client_id = :client_id AND filter = :filter`,
			subscriptionRow{ClientID: sub.ClientID, Filter: sub.Filter})
		if err != nil {
			return err
		}
	}

	return nil
}

// SubscriptionsByClient returns every durable subscription owned by
// clientID.
func (s *Store) SubscriptionsByClient(ctx context.Context, clientID string) ([]contract.Subscription, error) {
	var rows []subscriptionRow
	if err := sqlx.SelectContext(ctx, s.db, &rows,
		`SELECT client_id, filter, qos FROM ember_subscriptions WHERE client_id = ?`, clientID); err != nil {
		return nil, err
	}

	out := make([]contract.Subscription, len(rows))
	for i, row := range rows {
		out[i] = row.subscription()
	}

	return out, nil
}

// SubscriptionsByTopic returns every durable subscription whose filter
// matches topic. Wildcard matching happens in Go after loading every
// subscription row, the same way CreateRetainedStream does.
func (s *Store) SubscriptionsByTopic(ctx context.Context, topic string) ([]contract.Subscription, error) {
	var rows []subscriptionRow
	if err := sqlx.SelectContext(ctx, s.db, &rows, `SELECT client_id, filter, qos FROM ember_subscriptions`); err != nil {
		return nil, err
	}

	var out []contract.Subscription
	for _, row := range rows {
		if wildcard.Match(row.Filter, topic) {
			out = append(out, row.subscription())
		}
	}

	return out, nil
}

type outgoingRow struct {
	ID            contract.OutgoingMessageID `db:"id"`
	ClientID      string                     `db:"client_id"`
	Topic         string                     `db:"topic"`
	Payload       []byte                     `db:"payload"`
	QoS           byte                       `db:"qos"`
	Retain        bool                       `db:"retain"`
	BrokerID      string                     `db:"broker_id"`
	BrokerCounter uint64                     `db:"broker_counter"`
}

func (r outgoingRow) packet() contract.Packet {
	return contract.Packet{
		Topic:         r.Topic,
		Payload:       r.Payload,
		QoS:           r.QoS,
		Retain:        r.Retain,
		BrokerID:      r.BrokerID,
		BrokerCounter: r.BrokerCounter,
	}
}

// OutgoingEnqueue appends packet to sub's durable outbound queue.
func (s *Store) OutgoingEnqueue(ctx context.Context, sub contract.Subscription, packet contract.Packet) error {
	_, err := sqlx.NamedExecContext(ctx, s.db, `
		INSERT INTO ember_outgoing (client_id, topic, payload, qos, retain, broker_id, broker_counter)
		VALUES (:client_id, :topic, :payload, :qos, :retain, :broker_id, :broker_counter)
	`, outgoingRow{
		ClientID:      sub.ClientID,
		Topic:         packet.Topic,
		Payload:       packet.Payload,
		QoS:           packet.QoS,
		Retain:        packet.Retain,
		BrokerID:      packet.BrokerID,
		BrokerCounter: packet.BrokerCounter,
	})

	return err
}

// OutgoingUpdate rewrites the packet stored under id.
func (s *Store) OutgoingUpdate(ctx context.Context, clientID string, id contract.OutgoingMessageID, packet contract.Packet) error {
	result, err := sqlx.NamedExecContext(ctx, s.db, `
		UPDATE ember_outgoing SET topic = :topic, payload = :payload, qos = :qos,
			retain = :retain, broker_id = :broker_id, broker_counter = :broker_counter
		WHERE id = :id AND client_id = :client_id
	`, outgoingRow{
		ID:            id,
		ClientID:      clientID,
		Topic:         packet.Topic,
		Payload:       packet.Payload,
		QoS:           packet.QoS,
		Retain:        packet.Retain,
		BrokerID:      packet.BrokerID,
		BrokerCounter: packet.BrokerCounter,
	})
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return fmt.Errorf("sqlpersist: outgoing id %d for %q: %w", id, clientID, contract.ErrNotFound)
	}

	return nil
}

// OutgoingClearMessageID releases id from clientID's outbound queue.
func (s *Store) OutgoingClearMessageID(ctx context.Context, clientID string, id contract.OutgoingMessageID) error {
	_, err := sqlx.NamedExecContext(ctx, s.db,
		`DELETE FROM ember_outgoing WHERE id = :id AND client_id = :client_id`,
		map[string]any{"id": id, "client_id": clientID})

	return err
}

// OutgoingStream returns every packet still queued for clientID, oldest
// first.
func (s *Store) OutgoingStream(ctx context.Context, clientID string) iter.Seq[contract.Packet] {
	var rows []outgoingRow
	_ = sqlx.SelectContext(ctx, s.db, &rows,
		`SELECT id, client_id, topic, payload, qos, retain, broker_id, broker_counter
		 FROM ember_outgoing WHERE client_id = ? ORDER BY id ASC`, clientID)

	return func(yield func(contract.Packet) bool) {
		for _, row := range rows {
			if !yield(row.packet()) {
				return
			}
		}
	}
}

type willRow struct {
	ClientID string `db:"client_id"`
	Topic    string `db:"topic"`
	Payload  []byte `db:"payload"`
	QoS      byte   `db:"qos"`
	Retain   bool   `db:"retain"`
	BrokerID string `db:"broker_id"`
}

func (r willRow) will() contract.Will {
	return contract.Will{
		ClientID: r.ClientID,
		BrokerID: r.BrokerID,
		Packet: contract.Packet{
			Topic:    r.Topic,
			Payload:  r.Payload,
			QoS:      r.QoS,
			Retain:   r.Retain,
			BrokerID: r.BrokerID,
		},
	}
}

// PutWill persists a will owned by a client.
func (s *Store) PutWill(ctx context.Context, will contract.Will) error {
	_, err := sqlx.NamedExecContext(ctx, s.db, `
		INSERT INTO ember_wills (client_id, topic, payload, qos, retain, broker_id)
		VALUES (:client_id, :topic, :payload, :qos, :retain, :broker_id)
		ON CONFLICT (client_id) DO UPDATE SET
			topic = excluded.topic,
			payload = excluded.payload,
			qos = excluded.qos,
			retain = excluded.retain,
			broker_id = excluded.broker_id
	`, willRow{
		ClientID: will.ClientID,
		Topic:    will.Packet.Topic,
		Payload:  will.Packet.Payload,
		QoS:      will.Packet.QoS,
		Retain:   will.Packet.Retain,
		BrokerID: will.BrokerID,
	})

	return err
}

// DelWill deletes the will owned by clientID, if any. Idempotent.
func (s *Store) DelWill(ctx context.Context, clientID string) error {
	_, err := sqlx.NamedExecContext(ctx, s.db,
		`DELETE FROM ember_wills WHERE client_id = :client_id`,
		map[string]any{"client_id": clientID})

	return err
}

// StreamWill yields every will whose BrokerID is not a key of
// liveBrokers.
func (s *Store) StreamWill(ctx context.Context, liveBrokers map[string]struct{}) iter.Seq[contract.Will] {
	var rows []willRow
	_ = sqlx.SelectContext(ctx, s.db, &rows, `SELECT client_id, topic, payload, qos, retain, broker_id FROM ember_wills`)

	return func(yield func(contract.Will) bool) {
		for _, row := range rows {
			if _, alive := liveBrokers[row.BrokerID]; alive {
				continue
			}

			if !yield(row.will()) {
				return
			}
		}
	}
}
