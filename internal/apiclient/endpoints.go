package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"slidesync/internal/models"
)

// Endpoint helpers for the schedule/slide REST contract. Each returns the
// decoded data on success; ErrQueued from a helper means the mutation is
// pending replay and the caller's optimistic state stands.

func (c *Client) FetchSchedules(ctx context.Context, churchID string) ([]models.Schedule, error) {
	resp, err := c.Do(ctx, http.MethodGet, fmt.Sprintf("/church/%s/schedules", churchID), nil)
	if err != nil {
		return nil, err
	}
	var schedules []models.Schedule
	if err := json.Unmarshal(resp.Data, &schedules); err != nil {
		return nil, fmt.Errorf("decode schedules: %w", err)
	}
	return schedules, nil
}

func (c *Client) FetchSlides(ctx context.Context, churchID, scheduleID string) ([]models.Slide, error) {
	resp, err := c.Do(ctx, http.MethodGet,
		fmt.Sprintf("/church/%s/schedules/%s/slides", churchID, scheduleID), nil)
	if err != nil {
		return nil, err
	}
	var slides []models.Slide
	if err := json.Unmarshal(resp.Data, &slides); err != nil {
		return nil, fmt.Errorf("decode slides: %w", err)
	}
	return slides, nil
}

func (c *Client) CreateSlide(ctx context.Context, churchID, scheduleID string, slide models.Slide) (*models.Slide, error) {
	resp, err := c.Do(ctx, http.MethodPost,
		fmt.Sprintf("/church/%s/schedules/%s/slides", churchID, scheduleID), slide)
	if err != nil {
		return nil, err
	}
	return decodeSlide(resp)
}

func (c *Client) UpdateSlide(ctx context.Context, churchID, scheduleID string, slide models.Slide) (*models.Slide, error) {
	resp, err := c.Do(ctx, http.MethodPut,
		fmt.Sprintf("/church/%s/schedules/%s/slides/%s", churchID, scheduleID, slide.Key()), slide)
	if err != nil {
		return nil, err
	}
	return decodeSlide(resp)
}

func (c *Client) DeleteSlide(ctx context.Context, churchID, scheduleID, slideID string) error {
	_, err := c.Do(ctx, http.MethodDelete,
		fmt.Sprintf("/church/%s/schedules/%s/slides/%s", churchID, scheduleID, slideID), nil)
	return err
}

// BatchResult reports the per-item outcome of a batch mutation. The backend
// applies whatever subset it can; callers keep the failed remainder pending.
type BatchResult struct {
	Succeeded []models.Slide `json:"succeeded"`
	FailedIDs []string       `json:"failedIds,omitempty"`
}

func (c *Client) BatchCreateSlides(ctx context.Context, churchID, scheduleID string, slides []models.Slide) (*BatchResult, error) {
	return c.batch(ctx, http.MethodPost,
		fmt.Sprintf("/church/%s/schedules/%s/slides/batch", churchID, scheduleID),
		map[string]any{"slides": slides})
}

func (c *Client) BatchUpdateSlides(ctx context.Context, churchID, scheduleID string, slides []models.Slide) (*BatchResult, error) {
	return c.batch(ctx, http.MethodPut,
		fmt.Sprintf("/church/%s/schedules/%s/slides/batch", churchID, scheduleID),
		map[string]any{"slides": slides})
}

func (c *Client) BatchDeleteSlides(ctx context.Context, churchID, scheduleID string, slideIDs []string) (*BatchResult, error) {
	return c.batch(ctx, http.MethodDelete,
		fmt.Sprintf("/church/%s/schedules/%s/slides/batch", churchID, scheduleID),
		map[string]any{"slideIds": slideIDs})
}

// batch decodes the per-item outcome. Partial failures are not HTTP errors:
// the backend answers 200 with the succeeded subset and the failed ids.
func (c *Client) batch(ctx context.Context, method, path string, body any) (*BatchResult, error) {
	resp, err := c.Do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	var result BatchResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("decode batch result: %w", err)
	}
	return &result, nil
}

func (c *Client) SaveSchedule(ctx context.Context, churchID, scheduleID string) error {
	_, err := c.Do(ctx, http.MethodPost,
		fmt.Sprintf("/church/%s/schedules/%s/save", churchID, scheduleID), nil)
	return err
}

func (c *Client) UnsaveSchedule(ctx context.Context, churchID, scheduleID string) error {
	_, err := c.Do(ctx, http.MethodPost,
		fmt.Sprintf("/church/%s/schedules/%s/unsave", churchID, scheduleID), nil)
	return err
}

func decodeSlide(resp *Response) (*models.Slide, error) {
	var slide models.Slide
	if err := json.Unmarshal(resp.Data, &slide); err != nil {
		return nil, fmt.Errorf("decode slide: %w", err)
	}
	return &slide, nil
}
