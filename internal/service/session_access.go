package service

import (
	"context"
	"time"

	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/repository"
)

// sessionAccess loads sessions on behalf of their student and enforces deadlines lazily, so a
// session past its hard deadline is expired on the first read even when the sweep has not run.
type sessionAccess struct {
	exams    repository.ExamRepository
	sessions repository.SessionRepository
	events   EventPublisher
}

func (a sessionAccess) load(ctx context.Context, courseID, sessionID, studentID uint) (models.ExamSession, models.Exam, error) {
	session, err := a.sessions.GetByID(ctx, courseID, sessionID)
	if err != nil {
		return models.ExamSession{}, models.Exam{}, notFoundOr(ErrSessionNotFound, "load session", err)
	}
	if session.StudentID != studentID {
		return models.ExamSession{}, models.Exam{}, ErrForbidden
	}

	exam, err := a.exams.GetByID(ctx, courseID, session.ExamID)
	if err != nil {
		return models.ExamSession{}, models.Exam{}, notFoundOr(ErrExamNotFound, "load exam", err)
	}

	return session, exam, nil
}

// expireIfOverdue moves an active session past its hard deadline to expired and reports
// whether this call expired it. A concurrent writer that got there first is reloaded.
func (a sessionAccess) expireIfOverdue(ctx context.Context, session models.ExamSession, exam models.Exam, now time.Time) (models.ExamSession, bool, error) {
	if session.Status != models.SessionStatusActive || !now.After(session.HardDeadline(exam.EndTime)) {
		return session, false, nil
	}

	expired, err := a.sessions.Expire(ctx, session.CourseID, session.ID, now)
	if err != nil {
		return session, false, internalError("expire session", err)
	}
	if !expired {
		reloaded, err := a.sessions.GetByID(ctx, session.CourseID, session.ID)
		if err != nil {
			return session, false, internalError("reload session", err)
		}
		return reloaded, false, nil
	}

	session.Status = models.SessionStatusExpired
	a.events.Publish(ctx, PipelineEvent{
		Event:     EventSessionExpired,
		CourseID:  session.CourseID,
		ExamID:    session.ExamID,
		SessionID: session.ID,
		StudentID: session.StudentID,
	})
	return session, true, nil
}

// activeSession returns the session only if it still accepts work.
func (a sessionAccess) activeSession(ctx context.Context, courseID, sessionID, studentID uint, now time.Time) (models.ExamSession, models.Exam, error) {
	session, exam, err := a.load(ctx, courseID, sessionID, studentID)
	if err != nil {
		return models.ExamSession{}, models.Exam{}, err
	}

	session, changed, err := a.expireIfOverdue(ctx, session, exam, now)
	if err != nil {
		return models.ExamSession{}, models.Exam{}, err
	}
	if changed {
		return models.ExamSession{}, models.Exam{}, ErrDeadlinePassed
	}
	if session.Status != models.SessionStatusActive {
		return models.ExamSession{}, models.Exam{}, ErrSessionNotActive
	}

	return session, exam, nil
}

// processingSettings resolves the stage switches of the exam a submission belongs to.
func (a sessionAccess) processingSettings(ctx context.Context, submission models.Submission) (models.ProcessingSettings, error) {
	session, err := a.sessions.GetByID(ctx, submission.CourseID, submission.SessionID)
	if err != nil {
		return models.ProcessingSettings{}, internalError("load session", err)
	}
	exam, err := a.exams.GetByID(ctx, submission.CourseID, session.ExamID)
	if err != nil {
		return models.ProcessingSettings{}, internalError("load exam", err)
	}
	settings, err := exam.Settings.Data().Resolve()
	if err != nil {
		return models.ProcessingSettings{}, ErrInvalidExamSettings
	}
	return settings, nil
}
