package handler

import (
	"errors"
	"net/http"

	"github.com/cargodesk/intake-be/internal/domain"
	"github.com/cargodesk/intake-be/internal/normalize"
	"github.com/cargodesk/intake-be/internal/service"
	"github.com/cargodesk/intake-be/pkg/logger"
	"github.com/labstack/echo/v4"
)

type ImportHandler struct {
	service service.ImportService
	logger  *logger.Logger
}

func NewImportHandler(svc service.ImportService, log *logger.Logger) *ImportHandler {
	return &ImportHandler{
		service: svc,
		logger:  log,
	}
}

// Submit accepts either a multipart upload (field "file", .csv or .xlsx) or
// a JSON array of records. Small batches are answered with the final result;
// larger ones with 202 and a job id to poll.
func (h *ImportHandler) Submit(c echo.Context) error {
	ctx := c.Request().Context()

	kind := domain.Kind(c.Param("kind"))
	if _, err := domain.SchemaFor(kind); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "unknown record kind",
		})
	}

	in := service.SubmitInput{
		Kind:    kind,
		OwnerID: c.QueryParam("owner_id"),
	}

	file, err := c.FormFile("file")
	switch {
	case err == nil:
		format, err := normalize.FormatFromFilename(file.Filename)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "file must be .csv or .xlsx",
			})
		}

		src, err := file.Open()
		if err != nil {
			h.logger.Error(ctx, "Failed to open file",
				"error", err,
			)
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error": "failed to open file",
			})
		}
		defer src.Close()

		in.Format = format
		in.Reader = src

	default:
		var rows []map[string]string
		if err := c.Bind(&rows); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "expected a file upload or a JSON record array",
			})
		}
		in.Rows = rows
	}

	result, err := h.service.Submit(ctx, in)
	if err != nil {
		return h.submitError(c, err)
	}

	if result.Sync {
		return c.JSON(http.StatusOK, result)
	}
	return c.JSON(http.StatusAccepted, result)
}

func (h *ImportHandler) submitError(c echo.Context, err error) error {
	ctx := c.Request().Context()

	switch {
	case errors.Is(err, domain.ErrTooManyRows), errors.Is(err, domain.ErrInputTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{
			"error": err.Error(),
		})
	case errors.Is(err, domain.ErrMalformedInput), errors.Is(err, domain.ErrUnsupportedFormat):
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	default:
		h.logger.Error(ctx, "Failed to submit import",
			"error", err,
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to submit import",
		})
	}
}

// Status returns the current job record for polling callers.
func (h *ImportHandler) Status(c echo.Context) error {
	ctx := c.Request().Context()

	jobID := c.Param("job_id")

	job, err := h.service.JobStatus(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error": "job not found",
			})
		}

		h.logger.Error(ctx, "Failed to get job status",
			"job_id", jobID,
			"error", err,
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to get job status",
		})
	}

	return c.JSON(http.StatusOK, job)
}

// Cancel flags a job to stop at the next chunk boundary. Committed chunks
// stay committed.
func (h *ImportHandler) Cancel(c echo.Context) error {
	ctx := c.Request().Context()

	jobID := c.Param("job_id")

	err := h.service.CancelJob(ctx, jobID)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "job not found",
		})
	case errors.Is(err, domain.ErrJobTerminal):
		return c.JSON(http.StatusConflict, map[string]string{
			"error": "job already finished",
		})
	case err != nil:
		h.logger.Error(ctx, "Failed to cancel job",
			"job_id", jobID,
			"error", err,
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to cancel job",
		})
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": "cancel_requested",
	})
}
