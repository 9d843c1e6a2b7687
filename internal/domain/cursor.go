package domain

// Cursor iterates a snapshot of reports taken when it was created.
// Later transitions in the store are not reflected. Not safe for concurrent use.
type Cursor struct {
	reports []Report
	pos     int
}

// NewCursor wraps an already-materialized snapshot.
func NewCursor(reports []Report) *Cursor {
	return &Cursor{reports: reports, pos: -1}
}

// Next advances the cursor and reports whether a record is available.
func (c *Cursor) Next() bool {
	if c.pos+1 >= len(c.reports) {
		c.pos = len(c.reports)
		return false
	}
	c.pos++
	return true
}

// Report returns the record at the current position.
func (c *Cursor) Report() Report {
	return c.reports[c.pos]
}

// Reset rewinds the cursor to before the first record.
func (c *Cursor) Reset() {
	c.pos = -1
}

// Len returns the snapshot size.
func (c *Cursor) Len() int {
	return len(c.reports)
}

// All drains the remaining records into a slice.
func (c *Cursor) All() []Report {
	var out []Report
	for c.Next() {
		out = append(out, c.Report())
	}
	return out
}
