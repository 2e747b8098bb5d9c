// Package adcdb records daemon activity and calibration changes in a
// ClickHouse database. The database is strictly optional: when it cannot be
// reached, every Record* call is a no-op and acquisition is unaffected.
package adcdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
)

const databaseName = "adcd" // official SQL name of the database

// Connection wraps the ClickHouse connection and the message loop feeding it.
type Connection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ActivityMessage
	calmsg        chan *CalibrationMessage
	sync.WaitGroup
}

// IsConnected reports whether the database can be used.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer checks that a ClickHouse server is reachable and prints its
// version.
func PingServer() error {
	db := createDBConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// NewActivityMessage builds the activity row for this daemon run, with a
// fresh ULID as its ID.
func NewActivityMessage(hostname, githash, version, goversion string, nchannels int) *ActivityMessage {
	return &ActivityMessage{
		ID:        ulid.Make().String(),
		Hostname:  hostname,
		Githash:   githash,
		Version:   version,
		GoVersion: goversion,
		Nchannels: nchannels,
		Start:     time.Now(),
	}
}

// StartDBConnection opens the connection, logs the activity row, and starts
// the handler goroutine. Always returns a usable *Connection, possibly a
// disconnected one.
func StartDBConnection(activity *ActivityMessage, abort <-chan struct{}) *Connection {
	conn := createDBConnection()
	conn.activityEntry = activity
	conn.logActivity()
	go conn.handleConnection(abort)
	return conn
}

func createDBConnection() *Connection {
	db := &Connection{}
	dbUser := os.Getenv("ADCD_DB_USER")
	dbPass := os.Getenv("ADCD_DB_PASSWORD")
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
			{Name: "adcd", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:       []string{"localhost:9000"},
		Auth:       auth,
		ClientInfo: client,
		TLS:        nil,
	}
	ctx := context.Background()
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn
	db.Add(1)

	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.calmsg = make(chan *CalibrationMessage)
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activityEntry
	formattedStart := ae.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := ae.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO adcdactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.Nchannels, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into adcdactivity ", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case cmsg := <-db.calmsg:
			db.handleCalibrationMessage(cmsg)
		}
	}
}

// Disconnect finalizes the activity row with the end time.
func (db *Connection) Disconnect() {
	if db.IsConnected() {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
}

// RecordCalibration stores one calibration change in the DB (if it's open).
// Safe to call with a disconnected database.
func (db *Connection) RecordCalibration(msg *CalibrationMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	msg.ActivityID = db.activityEntry.ID
	go func() { db.calmsg <- msg }()
}

func (db *Connection) handleCalibrationMessage(m *CalibrationMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedWhen := m.When.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO calibrationchanges VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.ActivityID, m.Channel, m.Min, m.Max, m.Width, formattedWhen,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into calibrationchanges ", err)
		db.err = err
	}
}
