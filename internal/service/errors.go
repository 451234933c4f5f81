package service

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// ErrorKind classifies service errors for transport mapping.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindPolicy     ErrorKind = "policy"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindDependency ErrorKind = "dependency"
	KindInternal   ErrorKind = "internal"
)

// Error is the typed error returned by every exam pipeline operation. Two errors match
// under errors.Is when their codes are equal, so detailed messages keep sentinel identity.
type Error struct {
	Kind      ErrorKind
	Code      string
	Message   string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap exposes the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches errors by code.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Code == e.Code
}

// WithMessage returns a copy carrying a more specific message.
func (e *Error) WithMessage(format string, args ...interface{}) *Error {
	clone := *e
	clone.Message = fmt.Sprintf(format, args...)
	return &clone
}

func newError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	// ErrInvalidRequest indicates a payload failed struct validation.
	ErrInvalidRequest = newError(KindValidation, "invalid_request", "request is invalid")
	// ErrInvalidExamSettings indicates stored exam settings are inconsistent.
	ErrInvalidExamSettings = newError(KindValidation, "invalid_exam_settings", "exam processing settings are invalid")
	// ErrNoTaskVariants indicates a task type cannot be assigned because it has no variants.
	ErrNoTaskVariants = newError(KindValidation, "no_task_variants", "task type has no variants")
	// ErrUploadEmpty indicates an empty upload.
	ErrUploadEmpty = newError(KindValidation, "upload_empty", "file is empty")
	// ErrUploadTooLarge indicates the payload exceeded the configured limit.
	ErrUploadTooLarge = newError(KindValidation, "upload_too_large", "file exceeds maximum allowed size")
	// ErrUploadTypeNotAllowed indicates the sniffed MIME type is not an accepted page format.
	ErrUploadTypeNotAllowed = newError(KindValidation, "upload_type_not_allowed", "file type not allowed")
	// ErrInvalidPageReview indicates page_status and issues disagree.
	ErrInvalidPageReview = newError(KindValidation, "invalid_page_review", "page review is inconsistent")
	// ErrInvalidAnchor indicates an issue anchor without usable geometry.
	ErrInvalidAnchor = newError(KindValidation, "invalid_anchor", "issue anchor is invalid")
	// ErrIssueNoteRequired indicates an issue without a note.
	ErrIssueNoteRequired = newError(KindValidation, "issue_note_required", "issue note is required")
	// ErrReportSummaryRequired indicates a report finalize without summary.
	ErrReportSummaryRequired = newError(KindValidation, "report_summary_required", "report summary is required")
	// ErrScoreOutOfRange indicates a teacher score outside [0, max_score].
	ErrScoreOutOfRange = newError(KindValidation, "score_out_of_range", "score must be between 0 and the maximum score")

	// ErrForbidden indicates the caller does not own the resource.
	ErrForbidden = newError(KindPolicy, "forbidden", "access to this resource is not allowed")
	// ErrExamNotEnterable indicates the exam status does not admit new sessions.
	ErrExamNotEnterable = newError(KindPolicy, "exam_not_enterable", "exam is not open for attempts")
	// ErrExamWindowClosed indicates the current time is outside the exam window.
	ErrExamWindowClosed = newError(KindPolicy, "exam_window_closed", "exam is outside its time window")
	// ErrCapacityExceeded indicates the global active session ceiling was reached.
	ErrCapacityExceeded = &Error{Kind: KindPolicy, Code: "capacity_exceeded", Message: "too many active exams, retry shortly", Retryable: true}
	// ErrAttemptsExhausted indicates the student used every allowed attempt.
	ErrAttemptsExhausted = newError(KindPolicy, "attempts_exhausted", "maximum number of attempts reached")
	// ErrSessionNotActive indicates the session no longer accepts activity.
	ErrSessionNotActive = newError(KindPolicy, "session_not_active", "session is not active")
	// ErrDeadlinePassed indicates the hard deadline (plus grace) has passed.
	ErrDeadlinePassed = newError(KindPolicy, "deadline_passed", "deadline has passed")
	// ErrAutoSaveRateLimited indicates auto-save was called too frequently.
	ErrAutoSaveRateLimited = newError(KindPolicy, "rate_limited", "auto-save called too frequently")
	// ErrOcrReviewClosed indicates the submission is not awaiting OCR review.
	ErrOcrReviewClosed = newError(KindPolicy, "ocr_review_closed", "submission is not awaiting OCR review")
	// ErrReviewIncomplete indicates some pages are not reviewed yet.
	ErrReviewIncomplete = newError(KindPolicy, "review_incomplete", "every page must be reviewed before finalizing")
	// ErrReportRequired indicates issues exist but the student chose submit.
	ErrReportRequired = newError(KindPolicy, "report_required", "issues were reported, finalize with report")
	// ErrIssuesRequired indicates report mode without any issue.
	ErrIssuesRequired = newError(KindPolicy, "issues_required", "report requires at least one issue")

	// ErrExamNotFound indicates the exam does not exist in the course.
	ErrExamNotFound = newError(KindNotFound, "exam_not_found", "exam not found")
	// ErrSessionNotFound indicates the session does not exist in the course.
	ErrSessionNotFound = newError(KindNotFound, "session_not_found", "session not found")
	// ErrSubmissionNotFound indicates the submission does not exist in the course.
	ErrSubmissionNotFound = newError(KindNotFound, "submission_not_found", "submission not found")
	// ErrImageNotFound indicates the page does not belong to the submission.
	ErrImageNotFound = newError(KindNotFound, "image_not_found", "image not found")

	// ErrTransitionNotAllowed indicates a state machine precondition did not hold.
	ErrTransitionNotAllowed = newError(KindConflict, "transition_not_allowed", "submission is not in a state that allows this action")
	// ErrSessionConflict indicates a duplicate active session slipped past admission.
	ErrSessionConflict = newError(KindConflict, "session_conflict", "an active session already exists")

	// ErrStorageUnavailable indicates the object store failed.
	ErrStorageUnavailable = newError(KindDependency, "storage_unavailable", "file storage is unavailable")

	// ErrInternal hides store and invariant failures from callers.
	ErrInternal = newError(KindInternal, "internal", "internal error")
)

func internalError(op string, err error) error {
	return &Error{Kind: KindInternal, Code: ErrInternal.Code, Message: op, cause: err}
}

func dependencyError(base *Error, err error) error {
	clone := *base
	clone.cause = err
	return &clone
}

func validationError(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		return ErrInvalidRequest.WithMessage("%s", validationErrors.Error())
	}
	return ErrInvalidRequest.WithMessage("%s", err.Error())
}

// notFoundOr maps gorm's missing-row error to the given sentinel and anything else to internal.
func notFoundOr(sentinel *Error, op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return internalError(op, err)
}
