package cache

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/opendiamond/adiskd/internal/signature"
)

func (d *DB) prepare() error {
	var err error
	p := func(query string) *sql.Stmt {
		if err != nil {
			return nil
		}
		var stmt *sql.Stmt
		stmt, err = d.conn.Prepare(query)
		return stmt
	}

	d.stmts = statements{
		lookup: p(`
			SELECT c.entry_id, c.score
			FROM cache c
			WHERE c.object_sig = ? AND c.filter_sig = ?
			  AND NOT EXISTS (
				SELECT 1 FROM input_attrs ia
				LEFT OUTER JOIN current_attrs cur
				  ON cur.name = ia.name AND cur.sig = ia.sig
				WHERE ia.entry_id = c.entry_id AND cur.name IS NULL
			  )
			ORDER BY c.created_at DESC
			LIMIT 1`),
		combine: p(`
			INSERT INTO current_attrs(name, sig)
			SELECT name, sig FROM output_attrs WHERE entry_id = ?
			ON CONFLICT(name) DO UPDATE SET sig = excluded.sig`),
		resetCurrent: p(`DELETE FROM current_attrs`),
		seedCurrent: p(`
			INSERT INTO current_attrs(name, sig)
			SELECT oa.name, oa.sig
			FROM cache c
			JOIN output_attrs oa ON oa.entry_id = c.entry_id
			WHERE c.object_sig = ? AND c.filter_sig IS NULL
			ON CONFLICT(name) DO UPDATE SET sig = excluded.sig`),
		addInitial: p(`
			SELECT entry_id FROM cache WHERE object_sig = ? AND filter_sig IS NULL LIMIT 1`),
		insertCache: p(`
			INSERT INTO cache(object_sig, filter_sig, score, created_at, elapsed_ms)
			VALUES (?, ?, ?, ?, ?)`),
		insertIAttr: p(`INSERT INTO input_attrs(entry_id, name, sig) VALUES (?, ?, ?)`),
		insertOAttr: p(`INSERT INTO output_attrs(entry_id, name, sig) VALUES (?, ?, ?)`),
		insertBlob:  p(`INSERT OR REPLACE INTO oattr.attrs(sig, name, value) VALUES (?, ?, ?)`),
		readOAttrs: p(`
			SELECT oa.name, a.value
			FROM output_attrs oa
			JOIN oattr.attrs a ON a.sig = oa.sig AND a.name = oa.name
			WHERE oa.entry_id = ?`),
		iattrUpsert: p(`
			INSERT INTO temp_iattrs(name, sig) VALUES (?, ?)
			ON CONFLICT(name) DO UPDATE SET sig = excluded.sig`),
		oattrUpsert: p(`
			INSERT INTO temp_oattrs(name, sig, length) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET sig = excluded.sig, length = excluded.length`),
		clearIAttrs: p(`DELETE FROM temp_iattrs`),
		clearOAttrs: p(`DELETE FROM temp_oattrs`),
		countIAttrs: p(`SELECT count(*) FROM temp_iattrs`),
		countOAttrs: p(`SELECT count(*) FROM temp_oattrs`),
	}
	if err != nil {
		return fmt.Errorf("cache: prepare statements: %w", err)
	}
	return nil
}

// LookupResult is a cache hit returned by Lookup.
type LookupResult struct {
	EntryID int64
	Score   int
}

// Lookup implements spec.md §4.4's lookup(object_sig, filter_sig): the most
// recent cache row for (object_sig, filter_sig) all of whose input_attrs
// match current_attrs by (name, sig), with no input_attrs name missing
// from current_attrs.
func (d *DB) Lookup(objectSig, filterSig signature.Signature) (LookupResult, bool, error) {
	var res LookupResult
	var hit bool
	err := d.withRetry(func() error {
		row := d.stmts.lookup.QueryRow(objectSig.ToHex(), filterSig.ToHex())
		err := row.Scan(&res.EntryID, &res.Score)
		if err == sql.ErrNoRows {
			hit = false
			return nil
		}
		if err != nil {
			return err
		}
		hit = true
		return nil
	})
	return res, hit, err
}

// Combine merges entryID's output_attrs into current_attrs (spec.md
// §4.4), committing a cache hit's effect without invoking the filter.
func (d *DB) Combine(entryID int64) error {
	return d.withRetry(func() error {
		_, err := d.stmts.combine.Exec(entryID)
		return err
	})
}

// ReadOAttrs populates dst with every output_attrs(entryID) whose value is
// stored in oattr.attrs, for the reexecution path's visible-attribute-set
// reconstruction (spec.md §4.4, §4.7).
func (d *DB) ReadOAttrs(entryID int64, dst func(name string, value []byte)) error {
	return d.withRetry(func() error {
		rows, err := d.stmts.readOAttrs.Query(entryID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			var value []byte
			if err := rows.Scan(&name, &value); err != nil {
				return err
			}
			dst(name, value)
		}
		return rows.Err()
	})
}

// ResetCurrent clears current_attrs and reseeds it from the object's
// filter_sig IS NULL baseline row (spec.md §4.4). Called at the start of
// each object evaluation.
func (d *DB) ResetCurrent(objectSig signature.Signature) error {
	return d.withRetry(func() error {
		if _, err := d.stmts.resetCurrent.Exec(); err != nil {
			return err
		}
		_, err := d.stmts.seedCurrent.Exec(objectSig.ToHex())
		return err
	})
}

// AddInitial inserts the object's baseline (filter_sig IS NULL) cache row
// if absent, copying its current attribute (name, sig) pairs into
// output_attrs (spec.md §4.4). Idempotent.
func (d *DB) AddInitial(objectSig signature.Signature, attrs map[string]signature.Signature) error {
	return d.withRetry(func() error {
		var entryID int64
		err := d.stmts.addInitial.QueryRow(objectSig.ToHex()).Scan(&entryID)
		if err == nil {
			return nil // already present
		}
		if err != sql.ErrNoRows {
			return err
		}

		tx, err := d.conn.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		res, err := tx.Stmt(d.stmts.insertCache).Exec(objectSig.ToHex(), nil, 1, time.Now().Unix(), 0)
		if err != nil {
			return err
		}
		entryID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		insertOAttr := tx.Stmt(d.stmts.insertOAttr)
		for name, sig := range attrs {
			if _, err := insertOAttr.Exec(entryID, name, sig.ToHex()); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// ExecBegin asserts the transient input/output attribute tables are empty
// before a filter runs (spec.md §4.4).
func (d *DB) ExecBegin() error {
	return d.withRetry(func() error {
		var n int
		if err := d.stmts.countIAttrs.QueryRow().Scan(&n); err != nil {
			return err
		}
		if n != 0 {
			return fmt.Errorf("cache: exec_begin: temp_iattrs not empty (%d rows)", n)
		}
		if err := d.stmts.countOAttrs.QueryRow().Scan(&n); err != nil {
			return err
		}
		if n != 0 {
			return fmt.Errorf("cache: exec_begin: temp_oattrs not empty (%d rows)", n)
		}
		return nil
	})
}

// OnIAttr upserts (name, sig_of(value)) into temp_iattrs, recording that
// the running filter read name (spec.md §4.4).
func (d *DB) OnIAttr(name string, value []byte) {
	_ = d.withRetry(func() error {
		_, err := d.stmts.iattrUpsert.Exec(name, signature.Hash(value).ToHex())
		return err
	})
}

// OnOAttr upserts (name, sig_of(value), len(value)) into temp_oattrs,
// recording that the running filter wrote name (spec.md §4.4).
func (d *DB) OnOAttr(name string, value []byte) {
	_ = d.withRetry(func() error {
		_, err := d.stmts.oattrUpsert.Exec(name, signature.Hash(value).ToHex(), len(value))
		return err
	})
}

// OnAttrRead implements attr.Hooks by forwarding to OnIAttr.
func (d *DB) OnAttrRead(name string, value []byte) { d.OnIAttr(name, value) }

// OnAttrWrite implements attr.Hooks by forwarding to OnOAttr.
func (d *DB) OnAttrWrite(name string, value []byte) { d.OnOAttr(name, value) }

// ExecEnd records one filter execution: a cache row plus its input_attrs
// (from temp_iattrs) and output_attrs (from temp_oattrs), optionally
// persisting output byte values to oattr.attrs when doing so would be
// cheaper than recomputing them (spec.md §4.4, scenario S6). The whole
// operation is transactional; temp_iattrs/temp_oattrs are always cleared
// afterward, even on failure.
func (d *DB) ExecEnd(objectSig, filterSig signature.Signature, score int, elapsedMs int64, values map[string][]byte) error {
	return d.withRetry(func() error {
		defer func() {
			_, _ = d.stmts.clearIAttrs.Exec()
			_, _ = d.stmts.clearOAttrs.Exec()
		}()

		tx, err := d.conn.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		res, err := tx.Exec(`INSERT INTO cache(object_sig, filter_sig, score, created_at, elapsed_ms) VALUES (?, ?, ?, ?, ?)`,
			objectSig.ToHex(), filterSig.ToHex(), score, time.Now().Unix(), elapsedMs)
		if err != nil {
			return err
		}
		entryID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		irows, err := tx.Query(`SELECT name, sig FROM temp_iattrs`)
		if err != nil {
			return err
		}
		var iattrs []struct {
			name, sig string
		}
		for irows.Next() {
			var n, s string
			if err := irows.Scan(&n, &s); err != nil {
				irows.Close()
				return err
			}
			iattrs = append(iattrs, struct{ name, sig string }{n, s})
		}
		irows.Close()
		for _, ia := range iattrs {
			if _, err := tx.Exec(`INSERT INTO input_attrs(entry_id, name, sig) VALUES (?, ?, ?)`, entryID, ia.name, ia.sig); err != nil {
				return err
			}
		}

		orows, err := tx.Query(`SELECT name, sig, length FROM temp_oattrs`)
		if err != nil {
			return err
		}
		type oattr struct {
			name, sig string
			length    int64
		}
		var oattrs []oattr
		for orows.Next() {
			var o oattr
			if err := orows.Scan(&o.name, &o.sig, &o.length); err != nil {
				orows.Close()
				return err
			}
			oattrs = append(oattrs, o)
		}
		orows.Close()

		var totalBytes int64
		for _, oa := range oattrs {
			totalBytes += oa.length
			if _, err := tx.Exec(`INSERT INTO output_attrs(entry_id, name, sig) VALUES (?, ?, ?)`, entryID, oa.name, oa.sig); err != nil {
				return err
			}
		}

		if elapsedMs > 0 && totalBytes*1000 < estimatedAttrReadBW*elapsedMs {
			for _, oa := range oattrs {
				value, ok := values[oa.name]
				if !ok {
					continue
				}
				if _, err := tx.Exec(`INSERT OR REPLACE INTO oattr.attrs(sig, name, value) VALUES (?, ?, ?)`, oa.sig, oa.name, value); err != nil {
					return err
				}
			}
		}

		return tx.Commit()
	})
}
