package db

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dztow/backend/internal/apperr"
	"github.com/dztow/backend/internal/models"
)

const activeRequestIndex = "assistance_requests_one_active"

// errAbort rolls back a transaction after an update callback refused the change.
var errAbort = errors.New("abort")

// PostgresStore persists collections in typed tables. Every write commits a
// pg_notify on the collection channel inside the same transaction, so LISTEN
// observers see changes in commit order.
type PostgresStore struct {
	Pool *pgxpool.Pool

	// One LISTEN connection serves every Listen call through feed.
	mu        sync.Mutex
	feed      *hub
	listening bool
	stop      context.CancelFunc
}

func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{Pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.mu.Lock()
	if s.stop != nil {
		s.stop()
	}
	if s.feed != nil {
		s.feed.closeAll()
	}
	s.mu.Unlock()
	s.Pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return wrapErr("ping", s.Pool.Ping(ctx))
}

// EnsureSchema creates tables and indexes when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schema)
	return wrapErr("ensure schema", err)
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func notify(ctx context.Context, tx pgx.Tx, collection, key string) error {
	_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, collection, key)
	return err
}

var listenChannels = []string{CollectionOperators, CollectionRequests, CollectionConversations}

// Listen registers on the shared notification connection, starting it when
// none is running. When that connection fails every listener channel is
// closed, and the next Listen reconnects.
func (s *PostgresStore) Listen(ctx context.Context, collection string) (<-chan string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.feed == nil {
		s.feed = newHub()
	}
	if !s.listening {
		if err := s.startListener(ctx); err != nil {
			return nil, wrapErr("listen "+collection, err)
		}
	}
	return s.feed.listen(ctx, collection), nil
}

// startListener hijacks one pooled connection for LISTEN. Callers hold mu.
func (s *PostgresStore) startListener(ctx context.Context) error {
	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	for _, ch := range listenChannels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			conn.Release()
			return err
		}
	}
	raw := conn.Hijack()

	lctx, stop := context.WithCancel(context.Background())
	s.stop = stop
	s.listening = true
	go func() {
		defer stop()
		defer raw.Close(context.Background())
		for {
			n, err := raw.WaitForNotification(lctx)
			if err != nil {
				s.mu.Lock()
				s.listening = false
				s.feed.closeAll()
				s.mu.Unlock()
				return
			}
			s.feed.publish(n.Channel, n.Payload)
		}
	}()
	return nil
}

const operatorColumns = `id, display_name, phone, language, verified, company_name, truck_category, is_available, lat, lng, last_update`

func scanOperator(row pgx.Row) (models.Operator, error) {
	var (
		op       models.Operator
		category string
	)
	err := row.Scan(&op.ID, &op.DisplayName, &op.Phone, &op.Language, &op.Verified, &op.CompanyName, &category, &op.IsAvailable, &op.Position.Lat, &op.Position.Lng, &op.LastUpdate)
	op.TruckCategory = models.TruckCategory(category)
	return op, err
}

func (s *PostgresStore) UpsertOperator(ctx context.Context, op models.Operator) (models.Operator, error) {
	var out models.Operator
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = scanOperator(tx.QueryRow(ctx, `
			INSERT INTO operators (id, display_name, phone, language, verified, company_name, truck_category, is_available, lat, lng, last_update)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, clock_timestamp())
			ON CONFLICT (id) DO UPDATE SET
				display_name = EXCLUDED.display_name,
				phone = EXCLUDED.phone,
				language = EXCLUDED.language,
				verified = EXCLUDED.verified,
				company_name = EXCLUDED.company_name,
				truck_category = EXCLUDED.truck_category,
				is_available = EXCLUDED.is_available,
				lat = EXCLUDED.lat,
				lng = EXCLUDED.lng,
				last_update = EXCLUDED.last_update
			RETURNING `+operatorColumns,
			op.ID, op.DisplayName, op.Phone, op.Language, op.Verified, op.CompanyName, string(op.TruckCategory), op.IsAvailable, op.Position.Lat, op.Position.Lng))
		if err != nil {
			return err
		}
		return notify(ctx, tx, CollectionOperators, op.ID)
	})
	if err != nil {
		return models.Operator{}, wrapErr("upsert operator "+op.ID, err)
	}
	return out, nil
}

func (s *PostgresStore) GetOperator(ctx context.Context, id string) (models.Operator, error) {
	op, err := scanOperator(s.Pool.QueryRow(ctx, `SELECT `+operatorColumns+` FROM operators WHERE id = $1`, id))
	if err != nil {
		return models.Operator{}, wrapErr("operator "+id, err)
	}
	return op, nil
}

func (s *PostgresStore) ListOperators(ctx context.Context) ([]models.Operator, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+operatorColumns+` FROM operators ORDER BY id ASC`)
	if err != nil {
		return nil, wrapErr("list operators", err)
	}
	defer rows.Close()

	var out []models.Operator
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, wrapErr("list operators", err)
		}
		out = append(out, op)
	}
	return out, wrapErr("list operators", rows.Err())
}

func (s *PostgresStore) SetAvailability(ctx context.Context, id string, available bool) (models.Operator, error) {
	return s.updateOperator(ctx, id, `is_available = $2`, available)
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, id string, pos models.Position) (models.Operator, error) {
	return s.updateOperator(ctx, id, `lat = $2, lng = $3`, pos.Lat, pos.Lng)
}

func (s *PostgresStore) updateOperator(ctx context.Context, id string, set string, args ...any) (models.Operator, error) {
	var out models.Operator
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = scanOperator(tx.QueryRow(ctx,
			`UPDATE operators SET `+set+`, last_update = clock_timestamp() WHERE id = $1 RETURNING `+operatorColumns,
			append([]any{id}, args...)...))
		if err != nil {
			return err
		}
		return notify(ctx, tx, CollectionOperators, id)
	})
	if err != nil {
		return models.Operator{}, wrapErr("update operator "+id, err)
	}
	return out, nil
}

const requestColumns = `id, seeker_id, lat, lng, address, note, operator_id, operator_notes, status, notified_operators, created_at, updated_at`

func scanRequest(row pgx.Row) (models.AssistanceRequest, error) {
	var (
		r          models.AssistanceRequest
		operatorID *string
		status     string
	)
	err := row.Scan(&r.ID, &r.SeekerID, &r.Position.Lat, &r.Position.Lng, &r.Address, &r.Note, &operatorID, &r.OperatorNotes, &status, &r.NotifiedOperators, &r.CreatedAt, &r.UpdatedAt)
	if operatorID != nil {
		r.OperatorID = *operatorID
	}
	r.Status = models.RequestStatus(status)
	return r, err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PostgresStore) CreateRequest(ctx context.Context, req models.AssistanceRequest) (models.AssistanceRequest, error) {
	var out models.AssistanceRequest
	notified := req.NotifiedOperators
	if notified == nil {
		notified = []string{}
	}
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = scanRequest(tx.QueryRow(ctx, `
			INSERT INTO assistance_requests (id, seeker_id, lat, lng, address, note, operator_id, operator_notes, status, notified_operators)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			RETURNING `+requestColumns,
			req.ID, req.SeekerID, req.Position.Lat, req.Position.Lng, req.Address, req.Note, nullable(req.OperatorID), req.OperatorNotes, string(req.Status), notified))
		if err != nil {
			return err
		}
		return notify(ctx, tx, CollectionRequests, req.ID)
	})
	if err != nil {
		return models.AssistanceRequest{}, wrapErr("create request for "+req.SeekerID, err)
	}
	return out, nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (models.AssistanceRequest, error) {
	r, err := scanRequest(s.Pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM assistance_requests WHERE id = $1`, id))
	if err != nil {
		return models.AssistanceRequest{}, wrapErr("request "+id, err)
	}
	return r, nil
}

func (s *PostgresStore) ActiveRequest(ctx context.Context, seekerID string) (models.AssistanceRequest, error) {
	r, err := scanRequest(s.Pool.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM assistance_requests
		WHERE seeker_id = $1 AND status IN ('PENDING', 'ACCEPTED', 'ARRIVED')
		ORDER BY created_at DESC LIMIT 1`, seekerID))
	if err != nil {
		return models.AssistanceRequest{}, wrapErr("active request for "+seekerID, err)
	}
	return r, nil
}

func (s *PostgresStore) UpdateRequest(ctx context.Context, id string, fn func(*models.AssistanceRequest) error) (models.AssistanceRequest, error) {
	var (
		out   models.AssistanceRequest
		fnErr error
	)
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		current, err := scanRequest(tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM assistance_requests WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		out = current
		next := current
		if err := fn(&next); err != nil {
			fnErr = err
			return errAbort
		}
		out, err = scanRequest(tx.QueryRow(ctx, `
			UPDATE assistance_requests
			SET operator_id = $2, operator_notes = $3, status = $4, note = $5, updated_at = clock_timestamp()
			WHERE id = $1
			RETURNING `+requestColumns,
			id, nullable(next.OperatorID), next.OperatorNotes, string(next.Status), next.Note))
		if err != nil {
			return err
		}
		return notify(ctx, tx, CollectionRequests, id)
	})
	if fnErr != nil {
		if errors.Is(fnErr, ErrSkipWrite) {
			return out, nil
		}
		return out, fnErr
	}
	if err != nil {
		return models.AssistanceRequest{}, wrapErr("update request "+id, err)
	}
	return out, nil
}

func (s *PostgresStore) ListRequests(ctx context.Context, f RequestFilter) ([]models.AssistanceRequest, error) {
	statuses := make([]string, 0, len(f.Statuses))
	for _, st := range f.Statuses {
		statuses = append(statuses, string(st))
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT `+requestColumns+` FROM assistance_requests
		WHERE ($1 = '' OR seeker_id = $1)
		  AND ($2 = '' OR operator_id = $2 OR $2 = ANY(notified_operators))
		  AND (cardinality($3::text[]) = 0 OR status = ANY($3::text[]))
		ORDER BY created_at DESC, id ASC`, f.SeekerID, f.OperatorID, statuses)
	if err != nil {
		return nil, wrapErr("list requests", err)
	}
	defer rows.Close()

	out := []models.AssistanceRequest{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, wrapErr("list requests", err)
		}
		out = append(out, r)
	}
	return out, wrapErr("list requests", rows.Err())
}

const messageColumns = `id, conversation_id, sender_id, receiver_id, kind, body, lat, lng, fallback, label, status, sent_at`

func scanMessage(row pgx.Row) (models.ChatMessage, error) {
	var (
		m        models.ChatMessage
		kind     string
		status   string
		lat, lng *float64
		fallback bool
		label    string
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &kind, &m.Body, &lat, &lng, &fallback, &label, &status, &m.SentAt)
	m.Kind = models.MessageKind(kind)
	m.Status = models.MessageStatus(status)
	if lat != nil && lng != nil {
		m.Location = &models.LocationPayload{Lat: *lat, Lng: *lng, Fallback: fallback, Label: label}
	}
	return m, err
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	var (
		lat, lng *float64
		fallback bool
		label    string
	)
	if msg.Location != nil {
		lat, lng = &msg.Location.Lat, &msg.Location.Lng
		fallback, label = msg.Location.Fallback, msg.Location.Label
	}
	var out models.ChatMessage
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = scanMessage(tx.QueryRow(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, receiver_id, kind, body, lat, lng, fallback, label, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			RETURNING `+messageColumns,
			msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID, string(msg.Kind), msg.Body, lat, lng, fallback, label, string(msg.Status)))
		if err != nil {
			return err
		}
		return notify(ctx, tx, CollectionConversations, msg.ConversationID)
	})
	if err != nil {
		return models.ChatMessage{}, wrapErr("append message", err)
	}
	return out, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]models.ChatMessage, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, wrapErr("list messages", err)
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, wrapErr("list messages", err)
		}
		out = append(out, m)
	}
	return out, wrapErr("list messages", rows.Err())
}

func (s *PostgresStore) UpdateMessage(ctx context.Context, conversationID, messageID string, fn func(*models.ChatMessage) error) (models.ChatMessage, error) {
	var (
		out   models.ChatMessage
		fnErr error
	)
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		current, err := scanMessage(tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 AND id = $2 FOR UPDATE`, conversationID, messageID))
		if err != nil {
			return err
		}
		out = current
		next := current
		if err := fn(&next); err != nil {
			fnErr = err
			return errAbort
		}
		if _, err := tx.Exec(ctx, `UPDATE messages SET status = $2 WHERE id = $1`, messageID, string(next.Status)); err != nil {
			return err
		}
		out = next
		return notify(ctx, tx, CollectionConversations, conversationID)
	})
	if fnErr != nil {
		if errors.Is(fnErr, ErrSkipWrite) {
			return out, nil
		}
		return out, fnErr
	}
	if err != nil {
		return models.ChatMessage{}, wrapErr("update message "+messageID, err)
	}
	return out, nil
}

func (s *PostgresStore) GetFlags(ctx context.Context, ownerID, contactID string) (models.ConversationFlags, error) {
	f := models.ConversationFlags{OwnerID: ownerID, ContactID: contactID}
	err := s.Pool.QueryRow(ctx, `SELECT muted, blocked FROM conversation_flags WHERE owner_id = $1 AND contact_id = $2`, ownerID, contactID).Scan(&f.Muted, &f.Blocked)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return f, wrapErr("flags", err)
	}
	return f, nil
}

func (s *PostgresStore) UpdateFlags(ctx context.Context, ownerID, contactID string, fn func(*models.ConversationFlags)) (models.ConversationFlags, error) {
	f := models.ConversationFlags{OwnerID: ownerID, ContactID: contactID}
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO conversation_flags (owner_id, contact_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, ownerID, contactID); err != nil {
			return err
		}
		if err := tx.QueryRow(ctx, `SELECT muted, blocked FROM conversation_flags WHERE owner_id = $1 AND contact_id = $2 FOR UPDATE`, ownerID, contactID).Scan(&f.Muted, &f.Blocked); err != nil {
			return err
		}
		fn(&f)
		if _, err := tx.Exec(ctx, `UPDATE conversation_flags SET muted = $3, blocked = $4 WHERE owner_id = $1 AND contact_id = $2`, ownerID, contactID, f.Muted, f.Blocked); err != nil {
			return err
		}
		return notify(ctx, tx, CollectionConversations, models.ConversationID(ownerID, contactID))
	})
	if err != nil {
		return models.ConversationFlags{}, wrapErr("update flags", err)
	}
	return f, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, participantID string) ([]models.ConversationSummary, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT DISTINCT ON (conversation_id) `+messageColumns+` FROM messages
		WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY conversation_id, seq DESC`, participantID)
	if err != nil {
		return nil, wrapErr("list conversations", err)
	}
	defer rows.Close()

	out := []models.ConversationSummary{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, wrapErr("list conversations", err)
		}
		out = append(out, summarize(m))
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list conversations", err)
	}
	sortConversations(out)
	return out, nil
}

// wrapErr maps driver failures onto the error taxonomy. Anything that is not
// a server-side rejection is treated as the store being unavailable.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, apperr.ErrNotFound)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" && pgErr.ConstraintName == activeRequestIndex {
			return fmt.Errorf("%s: seeker already has an active request: %w", op, apperr.ErrInvalidTransition)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %v: %w", op, err, apperr.ErrUnavailable)
}
