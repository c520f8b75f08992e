package enrollment_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/school-ledger/enrollment"
	"github.com/warp/school-ledger/ledger"
	"github.com/warp/school-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const school = ledger.SchoolID("sch-1")

var (
	startOfYear = ledger.NewDate(2024, time.July, 15)
	midYear     = ledger.NewDate(2025, time.January, 6)
)

func newTestLedger(t *testing.T, today ledger.Date) (*enrollment.Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	ctx := context.Background()
	for _, c := range []string{"7A", "7B", "8A"} {
		require.NoError(t, mem.SaveClass(ctx, ledger.Class{ID: ledger.ClassID(c), SchoolID: school, Name: c}))
	}
	for _, s := range []string{"stu-1", "stu-2", "stu-3"} {
		require.NoError(t, mem.SaveStudent(ctx, ledger.Student{ID: ledger.StudentID(s), SchoolID: school, Name: s, Status: ledger.StudentActive}))
	}
	return enrollment.NewLedger(mem, ledger.FixedClock{Day: today}, zap.NewNop()), mem
}

func countActive(t *testing.T, mem *store.Memory, student ledger.StudentID) int {
	t.Helper()
	active := ledger.MembershipActive
	records, err := mem.ListEnrollments(context.Background(), ledger.EnrollmentFilter{StudentID: &student, Status: &active})
	require.NoError(t, err)
	return len(records)
}

// =============================================================================
// ASSIGN
// =============================================================================

func TestAssign_FirstEnrollment(t *testing.T) {
	en, _ := newTestLedger(t, startOfYear)
	ctx := context.Background()

	rec, err := en.Assign(ctx, school, "stu-1", "7A", "admin")

	require.NoError(t, err)
	assert.Equal(t, ledger.MembershipActive, rec.Status)
	assert.Equal(t, startOfYear, rec.EntryDate)
	assert.Nil(t, rec.ExitDate)
}

func TestScenarioC_ReassignmentClosesPreviousRecord(t *testing.T) {
	// GIVEN: stu-1 is active in 7A since the start of the year
	en, mem := newTestLedger(t, startOfYear)
	ctx := context.Background()
	_, err := en.Assign(ctx, school, "stu-1", "7A", "")
	require.NoError(t, err)

	before, err := en.History(ctx, school, "stu-1")
	require.NoError(t, err)

	// WHEN: the student moves to 7B mid-year
	later := enrollment.NewLedger(mem, ledger.FixedClock{Day: midYear}, zap.NewNop())
	rec, err := later.Assign(ctx, school, "stu-1", "7B", "admin-1")
	require.NoError(t, err)

	// THEN: 7A is transferred with exit today, 7B is active, one more record
	history, err := en.History(ctx, school, "stu-1")
	require.NoError(t, err)
	require.Len(t, history, len(before)+1)

	assert.Equal(t, ledger.ClassID("7A"), history[0].ClassID)
	assert.Equal(t, ledger.MembershipTransferred, history[0].Status)
	require.NotNil(t, history[0].ExitDate)
	assert.Equal(t, midYear, *history[0].ExitDate)

	assert.Equal(t, rec.ID, history[1].ID)
	assert.Equal(t, ledger.ClassID("7B"), history[1].ClassID)
	assert.Equal(t, ledger.MembershipActive, history[1].Status)
	assert.Equal(t, midYear, history[1].EntryDate)

	assert.Equal(t, 1, countActive(t, mem, "stu-1"))

	audit, err := mem.QueryAudit(ctx, school, ledger.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, ledger.AuditEnrollmentTransferred, audit[0].Action)
	assert.Equal(t, "7A", audit[0].Payload["from_class"])
}

func TestAssign_SameClassIsNoOp(t *testing.T) {
	en, _ := newTestLedger(t, startOfYear)
	ctx := context.Background()
	first, err := en.Assign(ctx, school, "stu-1", "7A", "")
	require.NoError(t, err)

	again, err := en.Assign(ctx, school, "stu-1", "7A", "")
	require.NoError(t, err)

	assert.Equal(t, first, again)
	history, err := en.History(ctx, school, "stu-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestAssign_UnknownStudentOrClass(t *testing.T) {
	en, mem := newTestLedger(t, startOfYear)
	ctx := context.Background()
	require.NoError(t, mem.SaveClass(ctx, ledger.Class{ID: "X1", SchoolID: "sch-2", Name: "X1"}))

	_, err := en.Assign(ctx, school, "ghost", "7A", "")
	assert.True(t, ledger.IsNotFound(err))

	_, err = en.Assign(ctx, school, "stu-1", "nope", "")
	assert.True(t, ledger.IsNotFound(err))

	_, err = en.Assign(ctx, school, "stu-1", "X1", "")
	assert.True(t, ledger.IsNotFound(err), "classes of another school are invisible")
}

func TestAssign_ConcurrentReassignmentsKeepOneActive(t *testing.T) {
	// GIVEN: many concurrent reassignments of the same student
	en, mem := newTestLedger(t, startOfYear)
	ctx := context.Background()
	classes := []ledger.ClassID{"7A", "7B", "8A"}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(c ledger.ClassID) {
			defer wg.Done()
			_, err := en.Assign(ctx, school, "stu-1", c, "")
			assert.NoError(t, err)
		}(classes[i%len(classes)])
	}
	wg.Wait()

	// THEN: exactly one active record
	assert.Equal(t, 1, countActive(t, mem, "stu-1"))
}

func TestStore_RejectsSecondActiveRecord(t *testing.T) {
	_, mem := newTestLedger(t, startOfYear)
	ctx := context.Background()
	rec := ledger.EnrollmentRecord{ID: "e1", StudentID: "stu-1", ClassID: "7A", Status: ledger.MembershipActive, EntryDate: startOfYear}
	require.NoError(t, mem.InsertEnrollment(ctx, rec))

	rec.ID, rec.ClassID = "e2", "7B"
	err := mem.InsertEnrollment(ctx, rec)

	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
}

func TestHistory_SameDayRecordsKeepOrder(t *testing.T) {
	// GIVEN: a clock that returns the same instant for every write
	en, _ := newTestLedger(t, startOfYear)
	ctx := context.Background()

	// WHEN: the student is placed, moved and promoted on one day
	_, err := en.Assign(ctx, school, "stu-1", "7A", "")
	require.NoError(t, err)
	_, err = en.Assign(ctx, school, "stu-1", "7B", "")
	require.NoError(t, err)
	next := ledger.ClassID("8A")
	_, err = en.Conclude(ctx, school, "stu-1", enrollment.Outcome{Status: ledger.MembershipPromoted, NextClass: &next})
	require.NoError(t, err)

	// THEN: history follows the order of the writes
	history, err := en.History(ctx, school, "stu-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	want := []ledger.MembershipStatus{ledger.MembershipTransferred, ledger.MembershipPromoted, ledger.MembershipActive}
	stamp := ledger.FixedClock{Day: startOfYear}.Now()
	for i, rec := range history {
		assert.Equal(t, want[i], rec.Status, "record %d", i)
		assert.Equal(t, i+1, rec.Seq)
		assert.True(t, stamp.Equal(rec.CreatedAt), "created_at comes from the ledger clock")
	}
	assert.Equal(t, ledger.ClassID("8A"), history[2].ClassID)
}

// =============================================================================
// CONCLUDE
// =============================================================================

func TestConclude_PromotedToNextClass(t *testing.T) {
	en, mem := newTestLedger(t, startOfYear)
	ctx := context.Background()
	_, err := en.Assign(ctx, school, "stu-1", "7A", "")
	require.NoError(t, err)

	next := ledger.ClassID("8A")
	end := enrollment.NewLedger(mem, ledger.FixedClock{Day: ledger.NewDate(2025, time.June, 20)}, zap.NewNop())
	rec, err := end.Conclude(ctx, school, "stu-1", enrollment.Outcome{Status: ledger.MembershipPromoted, NextClass: &next})
	require.NoError(t, err)

	require.NotNil(t, rec)
	assert.Equal(t, next, rec.ClassID)
	history, err := en.History(ctx, school, "stu-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ledger.MembershipPromoted, history[0].Status)
	assert.Equal(t, 1, countActive(t, mem, "stu-1"))
}

func TestConclude_RetainedStaysInClass(t *testing.T) {
	en, _ := newTestLedger(t, startOfYear)
	ctx := context.Background()
	_, err := en.Assign(ctx, school, "stu-2", "7B", "")
	require.NoError(t, err)

	rec, err := en.Conclude(ctx, school, "stu-2", enrollment.Outcome{Status: ledger.MembershipRetained})
	require.NoError(t, err)

	require.NotNil(t, rec)
	assert.Equal(t, ledger.ClassID("7B"), rec.ClassID)
	active, err := en.Active(ctx, school, "stu-2")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, active.ID)
}

func TestConclude_GraduationLeavesNoActiveRecord(t *testing.T) {
	en, mem := newTestLedger(t, startOfYear)
	ctx := context.Background()
	_, err := en.Assign(ctx, school, "stu-3", "8A", "")
	require.NoError(t, err)

	rec, err := en.Conclude(ctx, school, "stu-3", enrollment.Outcome{Status: ledger.MembershipPromoted})
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Zero(t, countActive(t, mem, "stu-3"))

	_, err = en.Conclude(ctx, school, "stu-3", enrollment.Outcome{Status: ledger.MembershipPromoted})
	assert.True(t, ledger.IsNotFound(err), "nothing left to conclude")

	_, err = en.Conclude(ctx, school, "stu-3", enrollment.Outcome{Status: ledger.MembershipTransferred})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

// =============================================================================
// READS
// =============================================================================

func TestActiveStudents(t *testing.T) {
	en, _ := newTestLedger(t, startOfYear)
	ctx := context.Background()
	for _, s := range []ledger.StudentID{"stu-1", "stu-2"} {
		_, err := en.Assign(ctx, school, s, "7A", "")
		require.NoError(t, err)
	}
	_, err := en.Assign(ctx, school, "stu-3", "7B", "")
	require.NoError(t, err)

	ids, err := en.ActiveStudents(ctx, school, "7A")
	require.NoError(t, err)
	assert.ElementsMatch(t, []ledger.StudentID{"stu-1", "stu-2"}, ids)

	current, err := en.Active(ctx, school, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.ClassID("7A"), current.ClassID)

	_, err = en.ActiveStudents(ctx, school, "nope")
	assert.True(t, ledger.IsNotFound(err))
}
