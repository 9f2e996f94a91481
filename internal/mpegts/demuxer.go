package mpegts

import (
	"context"
	"errors"
	"io"
	"sort"
)

// Unit is one demultiplexed item. Exactly one of PAT, PMT, PES is set.
type Unit struct {
	PID uint16
	PAT *PAT
	PMT *PMT
	PES *PES
}

// Demuxer pulls 188-byte packets off a reader and yields decoded Units.
// It is not safe for concurrent use; one goroutine owns the Next loop.
type Demuxer struct {
	ctx context.Context
	r   io.Reader
	buf []byte

	pids    map[uint16]*assembler
	pmtPIDs map[uint16]struct{}

	queue []*Unit
	atEOF bool
}

// NewDemuxer creates a Demuxer reading from r until EOF or ctx is done.
func NewDemuxer(ctx context.Context, r io.Reader) *Demuxer {
	return &Demuxer{
		ctx:     ctx,
		r:       r,
		buf:     make([]byte, packetLen),
		pids:    make(map[uint16]*assembler),
		pmtPIDs: make(map[uint16]struct{}),
	}
}

func (d *Demuxer) isTablePID(pid uint16) bool {
	if pid == pidPAT {
		return true
	}
	_, ok := d.pmtPIDs[pid]
	return ok
}

// Next returns the next decoded Unit, or io.EOF once the stream and all
// partially assembled units are exhausted. Packets that fail to decode
// are skipped, not surfaced.
func (d *Demuxer) Next() (*Unit, error) {
	for {
		if len(d.queue) > 0 {
			u := d.queue[0]
			d.queue = d.queue[1:]
			return u, nil
		}
		if d.atEOF {
			return nil, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}

		if _, err := io.ReadFull(d.r, d.buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.atEOF = true
				d.flushAll()
				continue
			}
			return nil, err
		}

		p, err := decodePacket(d.buf)
		if err != nil {
			continue
		}
		asm := d.pids[p.pid]
		if asm == nil {
			asm = &assembler{}
			d.pids[p.pid] = asm
		}
		if payload, ok := asm.push(p, d.isTablePID(p.pid)); ok {
			d.enqueue(p.pid, payload)
		}
	}
}

// flushAll drains every assembler's remainder at end of stream, lowest
// PID first so a trailing PAT still registers its PMT PIDs before those
// PIDs' own remainders decode.
func (d *Demuxer) flushAll() {
	pids := make([]int, 0, len(d.pids))
	for pid := range d.pids {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)
	for _, pid := range pids {
		if payload := d.pids[uint16(pid)].take(); payload != nil {
			d.enqueue(uint16(pid), payload)
		}
	}
}

// enqueue decodes one completed unit payload and appends the results to
// the output queue. Undecodable payloads are dropped.
func (d *Demuxer) enqueue(pid uint16, payload []byte) {
	if len(payload) == 0 {
		return
	}

	if d.isTablePID(pid) {
		for _, sec := range splitSections(payload) {
			switch sec[0] {
			case tableIDPAT:
				pat, err := decodePAT(sec)
				if err != nil {
					continue
				}
				for _, e := range pat.Entries {
					d.pmtPIDs[e.PMTPID] = struct{}{}
				}
				d.queue = append(d.queue, &Unit{PID: pid, PAT: pat})
			case tableIDPMT:
				pmt, err := decodePMT(sec)
				if err != nil {
					continue
				}
				d.queue = append(d.queue, &Unit{PID: pid, PMT: pmt})
			}
		}
		return
	}

	if looksLikePES(payload) {
		pes, err := decodePES(payload)
		if err != nil {
			return
		}
		d.queue = append(d.queue, &Unit{PID: pid, PES: pes})
	}
}
