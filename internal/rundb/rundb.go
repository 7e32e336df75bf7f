// Package rundb records analyser runs and frames in a ClickHouse database.
package rundb

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/cenkalti/backoff"
)

// Options says where the database is. User and password come from the
// environment variables ANALYSER_DB_USER and ANALYSER_DB_PASSWORD when empty.
type Options struct {
	Addr     string
	Database string
	User     string
	Password string
	MaxWait  time.Duration // how long Connect keeps retrying
}

// DefaultOptions returns the options for a server on localhost.
func DefaultOptions() Options {
	return Options{
		Addr:     "localhost:9000",
		Database: "analyser",
		MaxWait:  10 * time.Second,
	}
}

// inserter is the part of clickhouse.Conn used to write rows.
type inserter interface {
	AsyncInsert(ctx context.Context, query string, wait bool, args ...any) error
}

// Connection is a connection to the run database. All inserts happen on the
// goroutine started by Start. A Connection that is not connected silently
// drops every message, so callers need not check.
type Connection struct {
	conn     clickhouse.Conn
	db       inserter
	err      error
	activity *ActivityMessage
	runmsg   chan *RunMessage
	framemsg chan *FrameMessage
	sync.WaitGroup
}

const timeFormat = "2006-01-02 15:04:05.000000"

// IsConnected reports whether messages will reach the database.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.db != nil) && (db.err == nil)
}

// Err returns the error that disconnected db, if any.
func (db *Connection) Err() error {
	if db == nil {
		return nil
	}
	return db.err
}

// DummyConnection returns a Connection that records nothing.
func DummyConnection() *Connection {
	return &Connection{}
}

// Connect opens the database and pings it, retrying with exponential backoff
// for up to opts.MaxWait. On failure it returns a Connection that records
// nothing, along with the error.
func Connect(opts Options) (*Connection, error) {
	db := &Connection{}
	user, pass := opts.User, opts.Password
	if user == "" {
		user = os.Getenv("ANALYSER_DB_USER")
	}
	if pass == "" {
		pass = os.Getenv("ANALYSER_DB_PASSWORD")
	}
	opt := clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: user,
			Password: pass,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "analyser", Version: "unknown"},
			},
		},
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db, err
	}

	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return conn.Ping(ctx)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          2,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      opts.MaxWait,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	if err := backoff.Retry(ping, b); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			log.Printf("ClickHouse exception [%d] %s", exception.Code, exception.Message)
		}
		conn.Close()
		db.err = err
		return db, err
	}
	db.conn = conn
	db.db = conn
	return db, nil
}

// Start logs the server's activity and starts the goroutine that writes
// messages, which runs until abort is closed.
func (db *Connection) Start(activity *ActivityMessage, abort <-chan struct{}) {
	if !db.IsConnected() {
		return
	}
	db.activity = activity
	db.runmsg = make(chan *RunMessage)
	db.framemsg = make(chan *FrameMessage)
	db.logActivity()
	db.Add(1)
	go db.handleConnection(abort)
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case rmsg := <-db.runmsg:
			db.handleRunMessage(rmsg)
		case fmsg := <-db.framemsg:
			db.handleFrameMessage(fmsg)
		}
	}
}

// Disconnect writes the end of the server's activity and closes the database.
func (db *Connection) Disconnect() {
	if !db.IsConnected() {
		return
	}
	if db.activity != nil {
		db.activity.End = time.Now()
		db.logActivity()
	}
	if db.conn != nil {
		db.conn.Close()
	}
	db.db = nil
}

func (db *Connection) logActivity() {
	if !db.IsConnected() || db.activity == nil {
		return
	}
	a := db.activity
	db.insert("analyseractivity", `INSERT INTO analyseractivity VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Hostname, a.Githash, a.Version, a.GoVersion,
		a.Start.Format(timeFormat), a.End.Format(timeFormat))
}

// RecordRun stores the start of a run. It blocks until the writing goroutine
// accepts the message, so a run is always entered before its frames.
func (db *Connection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil || db.runmsg == nil {
		return
	}
	db.runmsg <- msg
}

// FinishRun stores the end of a run without blocking.
func (db *Connection) FinishRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil || db.runmsg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.runmsg <- msg }()
}

// RecordFrame stores one frame without blocking.
func (db *Connection) RecordFrame(msg *FrameMessage) {
	if !db.IsConnected() || msg == nil || db.framemsg == nil {
		return
	}
	go func() { db.framemsg <- msg }()
}

func (db *Connection) handleRunMessage(m *RunMessage) {
	db.insert("runs", `INSERT INTO runs VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, db.activityID(), m.RegionName, m.RunMode, m.ImageMode, m.NumImages,
		m.Fixed, m.LowEnergy, m.HighEnergy, m.CenterEnergy, m.EnergyStep, m.DwellTime, m.Steps,
		m.FirstX, m.LastX, m.FirstY, m.LastY, m.Slices,
		m.Frames, m.Outcome, m.Start.Format(timeFormat), m.End.Format(timeFormat))
}

func (db *Connection) activityID() string {
	if db.activity == nil {
		return ""
	}
	return db.activity.ID
}

func (db *Connection) handleFrameMessage(m *FrameMessage) {
	db.insert("frames", `INSERT INTO frames VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RunID, m.UniqueID, m.Iteration, m.Channels, m.Slices,
		m.CurrentStep, m.ElapsedTimeMs, m.SpectrumSum, m.Timestamp.Format(timeFormat))
}

// insert writes one row. An error disconnects db, so later messages are dropped.
func (db *Connection) insert(table, query string, args ...any) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	if err := db.db.AsyncInsert(context.Background(), query, nowait, args...); err != nil {
		log.Printf("Error raised on AsyncInsert into %s: %v", table, err)
		db.err = fmt.Errorf("insert into %s: %w", table, err)
	}
}
