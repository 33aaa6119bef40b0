/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package foreignmaster implements the bounded, insertion-ordered foreign
// master table of SPEC_FULL.md §4.3: the bookkeeping BMC reads from when
// deciding whether there's a better clock on the wire than the current
// parent.
package foreignmaster

import ptp "github.com/ptpd/ptpd-sub004/ptp/protocol"

// DefaultCapacity is the default maximum number of foreign master records
// held at once (spec.md's max_foreign_records default).
const DefaultCapacity = 5

// QualificationThreshold is the minimum Announce count for a record to be
// eligible for BMC. The count is cumulative since the record was inserted
// or last reset; it is not limited to a time window.
const QualificationThreshold = 2

// Record tracks the most recently observed Announce from one foreign
// candidate master.
type Record struct {
	SourcePortIdentity ptp.PortIdentity
	Header             ptp.Header
	Announce           ptp.AnnounceBody
	Count              int
}

// Qualified reports whether the record has been observed often enough to be
// considered by BMC.
func (r *Record) Qualified() bool {
	return r.Count >= QualificationThreshold
}

// Table is the bounded, insertion-ordered foreign master table. Eviction is
// oldest-first once the table is full, per SPEC_FULL.md §4.3 and the §9
// design note re-architecting ptpd's raw-array-plus-cursor storage.
type Table struct {
	capacity int
	order    []ptp.PortIdentity
	records  map[ptp.PortIdentity]*Record
}

// New returns an empty table with the given capacity (minimum 1).
func New(capacity int) *Table {
	if capacity < 1 {
		capacity = 1
	}
	return &Table{
		capacity: capacity,
		records:  make(map[ptp.PortIdentity]*Record, capacity),
	}
}

// Observe records an Announce from header.SourcePortIdentity. It reports
// whether a brand-new record was inserted (as opposed to an existing one
// being updated).
func (t *Table) Observe(header ptp.Header, announce ptp.AnnounceBody) (newRecord bool) {
	id := header.SourcePortIdentity
	if rec, ok := t.records[id]; ok {
		rec.Header = header
		rec.Announce = announce
		rec.Count++
		return false
	}
	if len(t.order) >= t.capacity {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.records, oldest)
	}
	t.order = append(t.order, id)
	t.records[id] = &Record{
		SourcePortIdentity: id,
		Header:             header,
		Announce:           announce,
		Count:              1,
	}
	return true
}

// Get returns the record for a given port identity, if any.
func (t *Table) Get(id ptp.PortIdentity) (*Record, bool) {
	rec, ok := t.records[id]
	return rec, ok
}

// Len returns the number of records currently held.
func (t *Table) Len() int {
	return len(t.order)
}

// Qualified returns every currently qualified record, oldest first, the set
// BMC's data-set comparison runs over.
func (t *Table) Qualified() []*Record {
	out := make([]*Record, 0, len(t.order))
	for _, id := range t.order {
		if rec := t.records[id]; rec.Qualified() {
			out = append(out, rec)
		}
	}
	return out
}

// ResetCounts zeroes the Announce count on every record while keeping the
// records. The port's announce-receipt-timeout handling calls Clear
// instead, which drops the records altogether.
func (t *Table) ResetCounts() {
	for _, rec := range t.records {
		rec.Count = 0
	}
}

// Clear empties the table entirely, called on LISTENING announce-receipt
// timeout (§4.5) and on SLAVE->LISTENING demotion.
func (t *Table) Clear() {
	t.order = nil
	t.records = make(map[ptp.PortIdentity]*Record, t.capacity)
}
