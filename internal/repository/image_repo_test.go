package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

func TestImageRepositoryAppendKeepsOrderDense(t *testing.T) {
	db := setupPipelineDB(t)
	repo := NewImageRepository(db)
	now := time.Now().UTC()
	exam := seedExam(t, db, now.Add(-time.Hour), now.Add(time.Hour))
	session := seedSession(t, db, exam, 1, models.SessionStatusActive, nil)
	submission := seedSubmission(t, db, session, submissionSeed{status: models.SubmissionStatusUploaded, ocr: models.OcrOverallPending, llm: models.LlmPrecheckQueued})

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- repo.Append(context.Background(), &models.SubmissionImage{
				CourseID:     testCourseID,
				SubmissionID: submission.ID,
				Filename:     "page.jpg",
				FilePath:     "submissions/page.jpg",
				FileSize:     10,
				MimeType:     "image/jpeg",
				UploadSource: models.UploadSourceWeb,
				UploadedAt:   now,
			}, nil)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	images, err := repo.ListBySubmission(context.Background(), submission.ID)
	require.NoError(t, err)
	require.Len(t, images, 4)
	for i, image := range images {
		require.Equal(t, i, image.OrderIndex)
		require.Equal(t, models.OcrImagePending, image.OcrStatus)
	}
}

func TestImageRepositoryAppendRequiresSubmission(t *testing.T) {
	db := setupPipelineDB(t)
	repo := NewImageRepository(db)

	err := repo.Append(context.Background(), &models.SubmissionImage{SubmissionID: 404, UploadedAt: time.Now().UTC()}, nil)
	require.Error(t, err)
}

func TestImageRepositoryAppendRollsBackWhenStoreFails(t *testing.T) {
	db := setupPipelineDB(t)
	repo := NewImageRepository(db)
	now := time.Now().UTC()
	exam := seedExam(t, db, now.Add(-time.Hour), now.Add(time.Hour))
	session := seedSession(t, db, exam, 3, models.SessionStatusActive, nil)
	submission := seedSubmission(t, db, session, submissionSeed{status: models.SubmissionStatusUploaded, ocr: models.OcrOverallPending, llm: models.LlmPrecheckQueued})

	newImage := func() *models.SubmissionImage {
		return &models.SubmissionImage{
			CourseID:     testCourseID,
			SubmissionID: submission.ID,
			Filename:     "page.png",
			FileSize:     10,
			MimeType:     "image/png",
			UploadSource: models.UploadSourceWeb,
			UploadedAt:   now,
		}
	}

	err := repo.Append(context.Background(), newImage(), func(int) (string, error) {
		return "", errors.New("bucket offline")
	})
	require.EqualError(t, err, "bucket offline")

	var storedIndex int
	image := newImage()
	require.NoError(t, repo.Append(context.Background(), image, func(order int) (string, error) {
		storedIndex = order
		return fmt.Sprintf("submissions/1/%d/%d_page.png", submission.ID, order), nil
	}))
	require.Equal(t, 0, storedIndex)
	require.Equal(t, 0, image.OrderIndex)

	images, err := repo.ListBySubmission(context.Background(), submission.ID)
	require.NoError(t, err)
	require.Len(t, images, 1)
	require.Equal(t, fmt.Sprintf("submissions/1/%d/0_page.png", submission.ID), images[0].FilePath)
}

func TestImageRepositoryLateResultDoesNotOverwriteFailedPage(t *testing.T) {
	db := setupPipelineDB(t)
	repo := NewImageRepository(db)
	now := time.Now().UTC()
	exam := seedExam(t, db, now.Add(-time.Hour), now.Add(time.Hour))
	session := seedSession(t, db, exam, 2, models.SessionStatusSubmitted, submittedNow())
	submission := seedSubmission(t, db, session, submissionSeed{status: models.SubmissionStatusUploaded, ocr: models.OcrOverallProcessing, llm: models.LlmPrecheckQueued})
	image := seedImage(t, db, submission, 0, models.OcrImagePending)

	started, err := repo.MarkProcessing(context.Background(), image.ID, now)
	require.NoError(t, err)
	require.True(t, started)

	failed, err := repo.MarkFailed(context.Background(), image.ID, "timeout", now)
	require.NoError(t, err)
	require.True(t, failed)

	ready, err := repo.MarkReady(context.Background(), image.ID, OcrPageResult{Markdown: "# late"}, now)
	require.NoError(t, err)
	require.False(t, ready)

	stored, err := repo.GetByID(context.Background(), submission.ID, image.ID)
	require.NoError(t, err)
	require.Equal(t, models.OcrImageFailed, stored.OcrStatus)
	require.Nil(t, stored.OcrMarkdown)
}
