// Package peerbook remembers the peers a node has connected to so that they
// can be rediscovered after a restart.
package peerbook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	_ "github.com/mattn/go-sqlite3"
	"github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("i2kn-peerbook")

// ErrNotFound is returned when a peer is not in the book.
var ErrNotFound = errors.New("peer not found")

// Entry is a remembered peer.
type Entry struct {
	ID              peer.ID
	Addrs           []multiaddr.Multiaddr
	FirstSeen       time.Time
	LastConnected   time.Time
	ConnectionCount int64
}

// Book is a SQLite-backed peer book.
type Book struct {
	db   *sql.DB
	path string
}

// Open opens or creates the peer book at dbPath.
func Open(dbPath string) (*Book, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// Serialise writers; event handlers record from several goroutines.
	db.SetMaxOpenConns(1)

	b := &Book{
		db:   db,
		path: dbPath,
	}

	if err := b.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return b, nil
}

// initialize creates the required tables.
func (b *Book) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS peers (
		id TEXT PRIMARY KEY,
		addrs TEXT,
		first_seen TIMESTAMP NOT NULL,
		last_connected TIMESTAMP NOT NULL,
		connection_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_peers_last_connected ON peers(last_connected);
	`

	_, err := b.db.Exec(schema)
	return err
}

// Path returns the database file location.
func (b *Book) Path() string {
	return b.path
}

// RecordConnected stores a successful connection to p. Known addresses are
// replaced only when addrs is non-empty.
func (b *Book) RecordConnected(p peer.ID, addrs []multiaddr.Multiaddr, at time.Time) error {
	addrsJSON, err := json.Marshal(multiaddrsToStrings(addrs))
	if err != nil {
		return err
	}

	_, err = b.db.Exec(`
		INSERT INTO peers (id, addrs, first_seen, last_connected, connection_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			addrs = CASE WHEN ? > 0 THEN excluded.addrs ELSE peers.addrs END,
			last_connected = excluded.last_connected,
			connection_count = peers.connection_count + 1
	`,
		p.String(),
		string(addrsJSON),
		at.UTC(),
		at.UTC(),
		len(addrs),
	)
	if err != nil {
		return fmt.Errorf("failed to record peer %s: %w", p, err)
	}
	return nil
}

// Get returns the entry for p.
func (b *Book) Get(p peer.ID) (*Entry, error) {
	row := b.db.QueryRow(`
		SELECT id, addrs, first_seen, last_connected, connection_count
		FROM peers WHERE id = ?
	`, p.String())

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// List returns up to limit entries, most recently connected first. A
// non-positive limit returns every entry.
func (b *Book) List(limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := b.db.Query(`
		SELECT id, addrs, first_seen, last_connected, connection_count
		FROM peers ORDER BY last_connected DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			log.Debugf("Skipping unreadable peer book row: %v", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Forget removes p from the book.
func (b *Book) Forget(p peer.ID) error {
	_, err := b.db.Exec(`DELETE FROM peers WHERE id = ?`, p.String())
	return err
}

// Prune removes peers not connected since before and returns how many were
// removed.
func (b *Book) Prune(before time.Time) (int64, error) {
	res, err := b.db.Exec(`DELETE FROM peers WHERE last_connected < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (b *Book) Close() error {
	return b.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		idStr     string
		addrsJSON sql.NullString
		e         Entry
	)
	if err := s.Scan(&idStr, &addrsJSON, &e.FirstSeen, &e.LastConnected, &e.ConnectionCount); err != nil {
		return nil, err
	}

	id, err := peer.Decode(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid peer id %q: %w", idStr, err)
	}
	e.ID = id

	var addrStrs []string
	if addrsJSON.Valid {
		json.Unmarshal([]byte(addrsJSON.String), &addrStrs)
	}
	e.Addrs = stringsToMultiaddrs(addrStrs)
	return &e, nil
}

func multiaddrsToStrings(addrs []multiaddr.Multiaddr) []string {
	strs := make([]string, len(addrs))
	for i, addr := range addrs {
		strs[i] = addr.String()
	}
	return strs
}

func stringsToMultiaddrs(strs []string) []multiaddr.Multiaddr {
	addrs := make([]multiaddr.Multiaddr, 0, len(strs))
	for _, s := range strs {
		if addr, err := multiaddr.NewMultiaddr(s); err == nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// Discovery announces remembered peers when the node starts.
type Discovery struct {
	book  *Book
	limit int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDiscovery returns a discovery source announcing up to limit of the most
// recently connected peers in book.
func NewDiscovery(book *Book, limit int) *Discovery {
	return &Discovery{book: book, limit: limit}
}

func (d *Discovery) Name() string {
	return "peerbook"
}

func (d *Discovery) Start(ctx context.Context, found func(peer.AddrInfo)) error {
	entries, err := d.book.List(d.limit)
	if err != nil {
		return fmt.Errorf("failed to read peer book: %w", err)
	}
	log.Debugf("Announcing %d remembered peers", len(entries))

	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for _, e := range entries {
			if ctx.Err() != nil {
				return
			}
			if len(e.Addrs) == 0 {
				continue
			}
			found(peer.AddrInfo{ID: e.ID, Addrs: e.Addrs})
		}
	}()
	return nil
}

func (d *Discovery) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	return nil
}
