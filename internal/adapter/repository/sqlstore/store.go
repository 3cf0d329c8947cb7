package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/V4T54L/chrono-reader/internal/domain"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	eventsTableName = "story_events"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS story_events (
		chronicle   TEXT   NOT NULL,
		story       TEXT   NOT NULL,
		chunk_start BIGINT NOT NULL,
		event_time  BIGINT NOT NULL,
		client_id   BIGINT NOT NULL,
		event_index BIGINT NOT NULL,
		story_id    BIGINT NOT NULL,
		log_record  TEXT   NOT NULL,
		PRIMARY KEY (chronicle, story, event_time, client_id, event_index)
	)`,
	`CREATE INDEX IF NOT EXISTS story_events_chunk_idx ON story_events (chronicle, story, chunk_start)`,
}

// Store keeps archived stories in a SQL database. It serves as both an
// archive reader and a story writer; a health goroutine pings the database
// while the store is open.
type Store struct {
	driver   string
	dsn      string
	interval time.Duration
	logger   *slog.Logger

	db        *sql.DB
	available atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Store for driver ("postgres" or "sqlite"). The database is
// opened by Initialize.
func New(driver, dsn string, healthInterval time.Duration, logger *slog.Logger) (*Store, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	if healthInterval <= 0 {
		healthInterval = 5 * time.Second
	}
	return &Store{
		driver:   driver,
		dsn:      dsn,
		interval: healthInterval,
		logger:   logger.With("component", "sql_store", "driver", driver),
	}, nil
}

// Initialize opens the database, creates the schema and starts the health check.
func (s *Store) Initialize(ctx context.Context) error {
	var initErr error
	s.startOnce.Do(func() {
		db, err := sql.Open(s.driver, s.dsn)
		if err != nil {
			initErr = fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
			return
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			initErr = fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
			return
		}
		for _, stmt := range schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				db.Close()
				initErr = fmt.Errorf("%w: failed to create schema: %v", domain.ErrBackendUnavailable, err)
				return
			}
		}
		s.db = db
		s.available.Store(true)

		healthCtx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.wg.Add(1)
		go s.healthCheck(healthCtx)
		s.logger.Info("connected to archive database")
	})
	if initErr != nil {
		return initErr
	}
	if s.db == nil {
		return fmt.Errorf("%w: store failed to open earlier", domain.ErrBackendUnavailable)
	}
	return nil
}

// Available reports the result of the last health check.
func (s *Store) Available() bool {
	return s.available.Load()
}

// ReadArchivedStory appends the story's events in [start, end) to out, one
// chunk per stored chunk_start, in chunk order.
func (s *Store) ReadArchivedStory(ctx context.Context, chronicle, story string, start, end uint64, out *domain.ChunkList) error {
	window := domain.TimeWindow{Start: start, End: end}
	if err := window.Validate(); err != nil {
		return err
	}
	if s.db == nil {
		return fmt.Errorf("%w: store is not initialized", domain.ErrReadFailure)
	}
	from, to := window.Int64Bounds()

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT chunk_start, story_id, event_time, client_id, event_index, log_record
		FROM story_events
		WHERE chronicle = ? AND story = ? AND event_time >= ? AND event_time < ?
		ORDER BY chunk_start, event_time, client_id, event_index`),
		chronicle, story, from, to)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrReadFailure, err)
	}
	defer rows.Close()

	id := domain.StoryIdentity{Chronicle: chronicle, Story: story}
	var current *domain.StoryChunk
	flush := func() error {
		if current == nil {
			return nil
		}
		c := current
		current = nil
		return out.Append(c)
	}

	for rows.Next() {
		var (
			chunkStart int64
			storyID    int64
			clientID   int64
			eventIndex int64
			e          domain.Event
		)
		if err := rows.Scan(&chunkStart, &storyID, &e.EventTime, &clientID, &eventIndex, &e.LogRecord); err != nil {
			if current != nil {
				current.Release()
			}
			return fmt.Errorf("%w: %v", domain.ErrReadFailure, err)
		}
		e.StoryID = uint64(storyID)
		e.ClientID = uint32(clientID)
		e.EventIndex = uint32(eventIndex)

		if current != nil && current.Start() != chunkStart {
			if err := flush(); err != nil {
				return err
			}
		}
		if current == nil {
			current = domain.NewStoryChunk(id, chunkStart)
		}
		if _, err := current.Insert(e); err != nil {
			current.Release()
			return fmt.Errorf("%w: %v", domain.ErrReadFailure, err)
		}
	}
	if err := rows.Err(); err != nil {
		if current != nil {
			current.Release()
		}
		return fmt.Errorf("%w: %v", domain.ErrReadFailure, err)
	}
	return flush()
}

// WriteChunk stores chunk's events. Rows already present are left untouched,
// so writing the same chunk twice is harmless.
func (s *Store) WriteChunk(ctx context.Context, chunk *domain.StoryChunk) error {
	if s.db == nil {
		return fmt.Errorf("store is not initialized")
	}
	events := chunk.Events()
	if len(events) == 0 {
		return nil
	}

	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer txn.Rollback() // Rollback is a no-op if Commit() is called

	if s.driver == DriverPostgres {
		err = s.copyChunk(ctx, txn, chunk, events)
	} else {
		err = s.insertChunk(ctx, txn, chunk, events)
	}
	if err != nil {
		return err
	}
	return txn.Commit()
}

// copyChunk stages rows in a temporary table with COPY and merges them.
func (s *Store) copyChunk(ctx context.Context, txn *sql.Tx, chunk *domain.StoryChunk, events []domain.Event) error {
	tempTableName := "story_events_import"
	_, err := txn.ExecContext(ctx, `CREATE TEMP TABLE `+tempTableName+` (LIKE `+eventsTableName+` INCLUDING DEFAULTS) ON COMMIT DROP;`)
	if err != nil {
		return err
	}

	stmt, err := txn.PrepareContext(ctx, pq.CopyIn(tempTableName,
		"chronicle", "story", "chunk_start", "event_time", "client_id", "event_index", "story_id", "log_record"))
	if err != nil {
		return err
	}
	id := chunk.Identity()
	for _, e := range events {
		_, err = stmt.ExecContext(ctx, id.Chronicle, id.Story, chunk.Start(), e.EventTime, int64(e.ClientID), int64(e.EventIndex), int64(e.StoryID), e.LogRecord)
		if err != nil {
			_ = stmt.Close()
			return err
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return err
	}
	if err := stmt.Close(); err != nil {
		return err
	}

	_, err = txn.ExecContext(ctx, `
		INSERT INTO `+eventsTableName+` (chronicle, story, chunk_start, event_time, client_id, event_index, story_id, log_record)
		SELECT chronicle, story, chunk_start, event_time, client_id, event_index, story_id, log_record FROM `+tempTableName+`
		ON CONFLICT DO NOTHING;`)
	return err
}

func (s *Store) insertChunk(ctx context.Context, txn *sql.Tx, chunk *domain.StoryChunk, events []domain.Event) error {
	stmt, err := txn.PrepareContext(ctx, s.rebind(`
		INSERT INTO story_events (chronicle, story, chunk_start, event_time, client_id, event_index, story_id, log_record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	id := chunk.Identity()
	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, id.Chronicle, id.Story, chunk.Start(), e.EventTime, int64(e.ClientID), int64(e.EventIndex), int64(e.StoryID), e.LogRecord); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops the health check and closes the database.
func (s *Store) Shutdown() error {
	var err error
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		if s.db != nil {
			err = s.db.Close()
		}
		s.available.Store(false)
		s.logger.Info("archive database closed")
	})
	return err
}

// Close implements domain.StoryWriter.
func (s *Store) Close() error {
	return s.Shutdown()
}

func (s *Store) healthCheck(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.interval)
			err := s.db.PingContext(pingCtx)
			cancel()
			if err != nil {
				if s.available.CompareAndSwap(true, false) {
					s.logger.Error("archive database connection lost", "error", err)
				}
			} else if s.available.CompareAndSwap(false, true) {
				s.logger.Info("archive database connection recovered")
			}
		}
	}
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
