// Package tcspcdb records server sessions and acquisition runs in a ClickHouse database.
// Every method is a no-op when the database is not connected, so callers
// need not check.
package tcspcdb

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

type dber interface {
	IsConnected() bool
	Disconnect()
	Wait()
	logActivity()
	handleConnection(<-chan struct{})
}

// DBConnection is a connection to the run database.
type DBConnection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ActivityMessage
	acqmsg        chan *AcquisitionMessage
	sync.WaitGroup
}

var _ dber = (*DBConnection)(nil)

const databaseName = "tcspc" // official SQL name of the database

// DefaultAddr is where the database server is expected without other configuration.
const DefaultAddr = "localhost:9000"

const timeFormat = "2006-01-02 15:04:05.000000"

// IsConnected tells whether the database is usable.
func (db *DBConnection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// Err returns the error that disconnected the database, if any.
func (db *DBConnection) Err() error {
	if db == nil {
		return fmt.Errorf("no database connection")
	}
	return db.err
}

// PingServer connects to the server at addr and prints its version.
func PingServer(addr string) error {
	db := createDBConnection(addr)
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %v", db.err)
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// StartDBConnection connects to the server at addr, records the activity and
// handles messages until abort is closed.
func StartDBConnection(addr string, activity *ActivityMessage, abort <-chan struct{}) *DBConnection {
	db := createDBConnection(addr)
	db.activityEntry = activity
	db.logActivity()
	if db.IsConnected() {
		go db.handleConnection(abort)
	}
	return db
}

// DummyDBConnection returns a connection that records nothing.
func DummyDBConnection() *DBConnection {
	return &DBConnection{}
}

func createDBConnection(addr string) *DBConnection {
	db := &DBConnection{}
	dbUser := os.Getenv("TCSPC_DB_USER")
	dbPass := os.Getenv("TCSPC_DB_PASSWORD")
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: dbUser,
		Password: dbPass,
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "tcspc", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        []string{addr},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: 2 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn

	// Ping the server at the DB connection.
	if err = conn.Ping(context.Background()); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			log.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}
	db.Add(1)
	db.acqmsg = make(chan *AcquisitionMessage)
	return db
}

func activityRow(ae *ActivityMessage) []any {
	return []any{
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, ae.Start.Format(timeFormat), ae.End.Format(timeFormat),
	}
}

func acquisitionRow(activityID string, m *AcquisitionMessage) []any {
	return []any{
		m.ID, activityID, m.Mode, m.Sink, m.Device, m.Directory,
		m.Nchannels, m.Tacq.Milliseconds(), m.Records, m.Photons, m.Markers, m.Overflows,
		m.Complete, m.Error, m.Start.Format(timeFormat), m.End.Format(timeFormat),
	}
}

func (db *DBConnection) logActivity() {
	if !db.IsConnected() || db.activityEntry == nil {
		return
	}
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO tcspcactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		activityRow(db.activityEntry)...); err != nil {
		log.Println("Error raised on AsyncInsert into tcspcactivity ", err)
		db.err = err
	}
}

func (db *DBConnection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case amsg := <-db.acqmsg:
			db.handleAcquisitionMessage(amsg)
		}
	}
}

// Disconnect records the end of the activity.
func (db *DBConnection) Disconnect() {
	if db.IsConnected() && db.activityEntry != nil {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
}

// RecordAcquisition stores msg in the DB (if it's open). It blocks until the
// message is accepted, so the start of a run is recorded before its end.
func (db *DBConnection) RecordAcquisition(msg *AcquisitionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.acqmsg <- msg
}

// FinishAcquisition stores the final state of a run without blocking.
func (db *DBConnection) FinishAcquisition(msg *AcquisitionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	if msg.End.IsZero() {
		msg.End = time.Now()
	}
	go func() { db.acqmsg <- msg }()
}

func (db *DBConnection) handleAcquisitionMessage(m *AcquisitionMessage) {
	if !db.IsConnected() {
		return
	}
	activityID := ""
	if db.activityEntry != nil {
		activityID = db.activityEntry.ID
	}
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO acquisitions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		acquisitionRow(activityID, m)...); err != nil {
		log.Println("Error raised on AsyncInsert into acquisitions ", err)
		db.err = err
	}
}
