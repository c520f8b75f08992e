/*
Package enrollment tracks which class each student belongs to over time.

PURPOSE:
  A student has at most one active enrollment record. Moving a student to
  another class closes the active record (transferred, exit = today) and
  opens a new one; the closed records are the student's class history.
  Billing reads the active records to decide who is billed per class.

CONCURRENCY:
  Every change locks the student row and then the student's enrollment
  rows inside one transaction, so two concurrent reassignments of the same
  student cannot both observe "no active record". The store's partial
  unique index on active records is the backstop.

SEE ALSO:
  - billing/generator.go: class-filtered tuition uses ActiveMembers
*/
package enrollment

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/school-ledger/ledger"
)

// Ledger changes and reads enrollment records.
type Ledger struct {
	store ledger.TxStore
	clock ledger.Clock
	log   *zap.Logger
}

// NewLedger wires an enrollment ledger. A nil logger disables logging.
func NewLedger(store ledger.TxStore, clock ledger.Clock, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{store: store, clock: clock, log: log.Named("enrollment")}
}

// Outcome closes a school year for one student.
type Outcome struct {
	Status    ledger.MembershipStatus // promoted or retained
	NextClass *ledger.ClassID
	ActorID   string
}

// =============================================================================
// WRITES
// =============================================================================

// Assign puts the student in the class. Assigning the class the student is
// already active in returns the existing record unchanged.
func (l *Ledger) Assign(ctx context.Context, school ledger.SchoolID, student ledger.StudentID, class ledger.ClassID, actorID string) (ledger.EnrollmentRecord, error) {
	var (
		out  ledger.EnrollmentRecord
		from *ledger.EnrollmentRecord
	)
	err := l.store.WithTx(ctx, func(s ledger.Store) error {
		if _, err := s.LockStudent(ctx, school, student); err != nil {
			return err
		}
		if _, err := s.GetClass(ctx, school, class); err != nil {
			return err
		}
		active, seq, err := lockActive(ctx, s, student)
		if err != nil {
			return err
		}

		if active != nil && active.ClassID == class {
			out = *active
			return nil
		}

		today := l.clock.Today()
		if active != nil {
			closed := *active
			closed.Status = ledger.MembershipTransferred
			closed.ExitDate = today.Ptr()
			if err := s.UpdateEnrollment(ctx, closed); err != nil {
				return fmt.Errorf("close enrollment %s: %w", closed.ID, err)
			}
			from = &closed
		}

		out = ledger.EnrollmentRecord{
			ID:        ledger.EnrollmentID(ledger.NewID()),
			StudentID: student,
			ClassID:   class,
			Status:    ledger.MembershipActive,
			EntryDate: today,
			Seq:       seq,
			CreatedAt: l.clock.Now(),
		}
		if err := s.InsertEnrollment(ctx, out); err != nil {
			return fmt.Errorf("open enrollment: %w", err)
		}

		if from == nil {
			return nil
		}
		return s.AppendAudit(ctx, ledger.AuditEntry{
			ID:        ledger.NewID(),
			SchoolID:  school,
			Timestamp: l.clock.Now(),
			ActorID:   actorID,
			Action:    ledger.AuditEnrollmentTransferred,
			Subject:   string(student),
			Payload: map[string]string{
				"from_class": string(from.ClassID),
				"to_class":   string(class),
			},
		})
	})
	if err != nil {
		return ledger.EnrollmentRecord{}, err
	}

	if from != nil {
		l.log.Info("student transferred",
			zap.String("school", string(school)),
			zap.String("student", string(student)),
			zap.String("from", string(from.ClassID)),
			zap.String("to", string(class)),
		)
	}
	return out, nil
}

// Conclude closes the active record with a year-end outcome. A promoted
// student moves to NextClass when given (none means the student leaves,
// e.g. graduation). A retained student is re-enrolled in NextClass or, by
// default, the same class. The new record, if any, is returned.
func (l *Ledger) Conclude(ctx context.Context, school ledger.SchoolID, student ledger.StudentID, o Outcome) (*ledger.EnrollmentRecord, error) {
	if o.Status != ledger.MembershipPromoted && o.Status != ledger.MembershipRetained {
		v := &ledger.ValidationError{}
		v.Add("status", "must be promoted or retained")
		return nil, v
	}

	var next *ledger.EnrollmentRecord
	err := l.store.WithTx(ctx, func(s ledger.Store) error {
		if _, err := s.LockStudent(ctx, school, student); err != nil {
			return err
		}
		active, seq, err := lockActive(ctx, s, student)
		if err != nil {
			return err
		}
		if active == nil {
			return ledger.NotFound("active enrollment", string(student))
		}

		target := o.NextClass
		if target == nil && o.Status == ledger.MembershipRetained {
			target = &active.ClassID
		}
		if target != nil {
			if _, err := s.GetClass(ctx, school, *target); err != nil {
				return err
			}
		}

		today := l.clock.Today()
		closed := *active
		closed.Status = o.Status
		closed.ExitDate = today.Ptr()
		if err := s.UpdateEnrollment(ctx, closed); err != nil {
			return fmt.Errorf("close enrollment %s: %w", closed.ID, err)
		}

		payload := map[string]string{
			"outcome":    string(o.Status),
			"from_class": string(closed.ClassID),
		}
		if target != nil {
			next = &ledger.EnrollmentRecord{
				ID:        ledger.EnrollmentID(ledger.NewID()),
				StudentID: student,
				ClassID:   *target,
				Status:    ledger.MembershipActive,
				EntryDate: today,
				Seq:       seq,
				CreatedAt: l.clock.Now(),
			}
			if err := s.InsertEnrollment(ctx, *next); err != nil {
				return fmt.Errorf("open enrollment: %w", err)
			}
			payload["to_class"] = string(*target)
		}

		return s.AppendAudit(ctx, ledger.AuditEntry{
			ID:        ledger.NewID(),
			SchoolID:  school,
			Timestamp: l.clock.Now(),
			ActorID:   o.ActorID,
			Action:    ledger.AuditEnrollmentConcluded,
			Subject:   string(student),
			Payload:   payload,
		})
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("enrollment concluded",
		zap.String("school", string(school)),
		zap.String("student", string(student)),
		zap.String("outcome", string(o.Status)),
	)
	return next, nil
}

// lockActive returns the student's active record, or nil, and the Seq the
// next record gets. More than one active record is a corrupted history.
func lockActive(ctx context.Context, s ledger.Store, student ledger.StudentID) (*ledger.EnrollmentRecord, int, error) {
	records, err := s.LockEnrollments(ctx, student)
	if err != nil {
		return nil, 0, fmt.Errorf("lock enrollments of %s: %w", student, err)
	}
	next := 1
	for _, r := range records {
		if r.Seq >= next {
			next = r.Seq + 1
		}
	}
	active, err := pickActive(student, records)
	return active, next, err
}

func pickActive(student ledger.StudentID, records []ledger.EnrollmentRecord) (*ledger.EnrollmentRecord, error) {
	var active *ledger.EnrollmentRecord
	for i := range records {
		if records[i].Status != ledger.MembershipActive {
			continue
		}
		if active != nil {
			return nil, &ledger.InvariantError{
				Invariant: "single_active_enrollment",
				Detail:    fmt.Sprintf("student %s has more than one active record", student),
			}
		}
		r := records[i]
		active = &r
	}
	return active, nil
}

// =============================================================================
// READS
// =============================================================================

// Active returns the student's current record, or nil when not enrolled.
func (l *Ledger) Active(ctx context.Context, school ledger.SchoolID, student ledger.StudentID) (*ledger.EnrollmentRecord, error) {
	if _, err := l.store.GetStudent(ctx, school, student); err != nil {
		return nil, err
	}
	status := ledger.MembershipActive
	records, err := l.store.ListEnrollments(ctx, ledger.EnrollmentFilter{StudentID: &student, Status: &status})
	if err != nil {
		return nil, err
	}
	return pickActive(student, records)
}

// History returns every record of the student, oldest first.
func (l *Ledger) History(ctx context.Context, school ledger.SchoolID, student ledger.StudentID) ([]ledger.EnrollmentRecord, error) {
	if _, err := l.store.GetStudent(ctx, school, student); err != nil {
		return nil, err
	}
	records, err := l.store.ListEnrollments(ctx, ledger.EnrollmentFilter{StudentID: &student})
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []ledger.EnrollmentRecord{}
	}
	return records, nil
}

// ActiveStudents lists the students currently active in the class.
func (l *Ledger) ActiveStudents(ctx context.Context, school ledger.SchoolID, class ledger.ClassID) ([]ledger.StudentID, error) {
	if _, err := l.store.GetClass(ctx, school, class); err != nil {
		return nil, err
	}
	status := ledger.MembershipActive
	records, err := l.store.ListEnrollments(ctx, ledger.EnrollmentFilter{ClassID: &class, Status: &status})
	if err != nil {
		return nil, err
	}
	ids := make([]ledger.StudentID, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.StudentID)
	}
	return ids, nil
}

// ActiveMembers is the set of students with an active record in the class,
// read through whatever store (or transaction) the caller holds.
func ActiveMembers(ctx context.Context, s ledger.EnrollmentStore, class ledger.ClassID) (map[ledger.StudentID]bool, error) {
	status := ledger.MembershipActive
	records, err := s.ListEnrollments(ctx, ledger.EnrollmentFilter{ClassID: &class, Status: &status})
	if err != nil {
		return nil, fmt.Errorf("list members of class %s: %w", class, err)
	}
	members := make(map[ledger.StudentID]bool, len(records))
	for _, r := range records {
		members[r.StudentID] = true
	}
	return members, nil
}
