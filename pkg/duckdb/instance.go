//go:build duckdb

package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	goduckdb "github.com/marcboeker/go-duckdb"
)

const defaultMemoryLimit = 256 << 20

// Instance is an isolated in-memory DuckDB database holding one Arrow view.
type Instance struct {
	db          *sql.DB
	conn        *sql.Conn
	alloc       memory.Allocator
	releaseView func()
}

// NewInstance opens an in-memory database. A memoryLimit of 0 means 256MB.
func NewInstance(alloc memory.Allocator, memoryLimit int64) (*Instance, error) {
	if memoryLimit == 0 {
		memoryLimit = defaultMemoryLimit
	}

	connector, err := goduckdb.NewConnector("", nil)
	if err != nil {
		return nil, fmt.Errorf("duckdb: create connector: %w", err)
	}
	db := sql.OpenDB(connector)

	// Arrow views are bound to a connection, so one is held for the lifetime.
	conn, err := db.Conn(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("duckdb: get connection: %w", err)
	}

	limitMB := max(memoryLimit>>20, 1)
	if _, err := conn.ExecContext(context.Background(), fmt.Sprintf("SET memory_limit='%dMB'", limitMB)); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("duckdb: set memory_limit: %w", err)
	}
	return &Instance{db: db, conn: conn, alloc: alloc}, nil
}

func (inst *Instance) Close() error {
	inst.dropView()
	if inst.conn != nil {
		inst.conn.Close()
	}
	if inst.db != nil {
		return inst.db.Close()
	}
	return nil
}

func (inst *Instance) dropView() {
	if inst.releaseView != nil {
		inst.releaseView()
		inst.releaseView = nil
	}
}

// RegisterView exposes batch to SQL as a view called name, replacing the
// previously registered view. The batch must stay alive until the next
// RegisterView or Close.
func (inst *Instance) RegisterView(batch arrow.Record, name string) error {
	inst.dropView()
	return inst.withArrow(func(conn *goduckdb.Arrow) error {
		rdr, err := array.NewRecordReader(batch.Schema(), []arrow.Record{batch})
		if err != nil {
			return fmt.Errorf("duckdb: record reader: %w", err)
		}
		release, err := conn.RegisterView(rdr, name)
		if err != nil {
			return fmt.Errorf("duckdb: register view %s: %w", name, err)
		}
		inst.releaseView = release
		return nil
	})
}

// Query runs query and returns its result as a single record.
func (inst *Instance) Query(ctx context.Context, query string) (arrow.Record, error) {
	var result arrow.Record
	err := inst.withArrow(func(conn *goduckdb.Arrow) error {
		rdr, err := conn.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("duckdb: query: %w", err)
		}
		defer rdr.Release()

		var recs []arrow.Record
		defer func() {
			for _, r := range recs {
				r.Release()
			}
		}()
		for rdr.Next() {
			rec := rdr.Record()
			rec.Retain()
			recs = append(recs, rec)
		}
		if err := rdr.Err(); err != nil {
			return fmt.Errorf("duckdb: read results: %w", err)
		}

		result, err = concatRecords(inst.alloc, rdr.Schema(), recs)
		return err
	})
	return result, err
}

func (inst *Instance) withArrow(fn func(conn *goduckdb.Arrow) error) error {
	return inst.conn.Raw(func(driverConn any) error {
		conn, err := goduckdb.NewArrowFromConn(driverConn.(driver.Conn))
		if err != nil {
			return fmt.Errorf("duckdb: arrow from conn: %w", err)
		}
		return fn(conn)
	})
}

// concatRecords merges recs column by column. The inputs are not released.
func concatRecords(alloc memory.Allocator, schema *arrow.Schema, recs []arrow.Record) (arrow.Record, error) {
	switch len(recs) {
	case 0:
		return array.NewRecord(schema, nil, 0), nil
	case 1:
		recs[0].Retain()
		return recs[0], nil
	}

	var rows int64
	for _, r := range recs {
		rows += r.NumRows()
	}
	cols := make([]arrow.Array, schema.NumFields())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	parts := make([]arrow.Array, len(recs))
	for i := range cols {
		for j, r := range recs {
			parts[j] = r.Column(i)
		}
		c, err := array.Concatenate(parts, alloc)
		if err != nil {
			return nil, fmt.Errorf("duckdb: concatenate %s: %w", schema.Field(i).Name, err)
		}
		cols[i] = c
	}
	return array.NewRecord(schema, cols, rows), nil
}
