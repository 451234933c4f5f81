package service

import (
	"time"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

// computeExpiresAt is start + duration clamped to the exam end. Exams without a duration
// (homework) run until the end of the window.
func computeExpiresAt(exam models.Exam, startedAt time.Time) time.Time {
	if exam.Kind == models.ExamKindHomework || exam.DurationMinutes == nil || *exam.DurationMinutes <= 0 {
		return exam.EndTime
	}
	expires := startedAt.Add(time.Duration(*exam.DurationMinutes) * time.Minute)
	if expires.After(exam.EndTime) {
		return exam.EndTime
	}
	return expires
}

// submitGrace is how long after the hard deadline a submit is still accepted.
func submitGrace(kind models.ExamKind, configured time.Duration) time.Duration {
	if kind == models.ExamKindHomework || configured < 0 {
		return 0
	}
	return configured
}

func withinWindow(exam models.Exam, now time.Time) bool {
	return !now.Before(exam.StartTime) && !now.After(exam.EndTime)
}

func remainingSeconds(deadline, now time.Time) int64 {
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int64(remaining / time.Second)
}
