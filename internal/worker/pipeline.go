package worker

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"giftflow/internal/entity"
	"giftflow/internal/extractor"
	"giftflow/internal/fault"
)

// pipeline is the fixed, ordered stage list for one job run. Stages
// accumulate state in the pipeline value; the result is built from
// scratch on every attempt so retries overwrite cleanly.
type pipeline struct {
	stages []Stage
	result func() (json.RawMessage, error)
}

func (p *Processor) pipelineFor(job *entity.Job) (*pipeline, error) {
	switch job.Kind {
	case entity.KindURLFetch:
		return p.urlFetchPipeline(job)
	case entity.KindCSVImport:
		return p.csvImportPipeline(job)
	default:
		return nil, fmt.Errorf("unknown job kind: %s", job.Kind)
	}
}

func (p *Processor) urlFetchPipeline(job *entity.Job) (*pipeline, error) {
	var input entity.URLFetchInput
	if err := json.Unmarshal(job.Input, &input); err != nil || input.URL == "" {
		return nil, fmt.Errorf("invalid url_fetch input")
	}

	var (
		html    string
		item    *extractor.Item
		imageID *int64
	)

	stages := []Stage{
		{
			Name:     "fetch",
			Progress: 30,
			Timeout:  35 * time.Second,
			Run: func(ctx context.Context) error {
				var err error
				html, err = p.fetcher.Fetch(ctx, input.URL)
				if err != nil {
					return err
				}
				if strings.TrimSpace(html) == "" {
					return fault.Transientf("page rendered empty: %s", input.URL)
				}
				return nil
			},
		},
		{
			Name:     "extract",
			Progress: 70,
			Timeout:  65 * time.Second,
			Run: func(ctx context.Context) error {
				var err error
				item, err = p.extractor.ParseItem(ctx, html)
				return err
			},
		},
		{
			Name:     "image",
			Progress: 90,
			Timeout:  35 * time.Second,
			Run: func(ctx context.Context) error {
				if item.ImageURL == nil || *item.ImageURL == "" {
					return nil
				}
				id, err := p.images.DownloadAndStore(ctx, *item.ImageURL, job.OwnerID, entity.RecordTypeItemImage)
				if err != nil {
					// Image failure is never fatal to the job.
					p.log.Warn("image processing failed, continuing without image",
						"job_id", job.ID.String(), "error", err)
					return nil
				}
				imageID = &id
				return nil
			},
		},
	}

	return &pipeline{
		stages: stages,
		result: func() (json.RawMessage, error) {
			return json.Marshal(entity.ItemResult{
				Name:      item.Name,
				Price:     item.Price,
				ImageURL:  item.ImageURL,
				LinkLabel: item.LinkLabel,
				ImageID:   imageID,
			})
		},
	}, nil
}

func (p *Processor) csvImportPipeline(job *entity.Job) (*pipeline, error) {
	var input entity.CSVImportInput
	if err := json.Unmarshal(job.Input, &input); err != nil || input.UploadID <= 0 {
		return nil, fmt.Errorf("invalid csv_wishlist_import input")
	}

	var (
		raw     []byte
		items   []entity.CSVItem
		skipped int
	)

	stages := []Stage{
		{
			Name:     "load",
			Progress: 30,
			Timeout:  10 * time.Second,
			Run: func(ctx context.Context) error {
				blob, err := p.blobs.GetByID(ctx, input.UploadID)
				if err != nil {
					return fault.Permanentf("upload %d unavailable: %v", input.UploadID, err)
				}
				raw = blob.Bytes
				return nil
			},
		},
		{
			Name:     "parse",
			Progress: 85,
			Timeout:  30 * time.Second,
			Run: func(ctx context.Context) error {
				var err error
				items, skipped, err = parseWishlistCSV(raw)
				return err
			},
		},
	}

	return &pipeline{
		stages: stages,
		result: func() (json.RawMessage, error) {
			return json.Marshal(entity.CSVImportResult{Items: items, Skipped: skipped})
		},
	}, nil
}

// parseWishlistCSV reads rows of name,price,url. The header row is
// optional; rows without a name are counted as skipped rather than
// failing the whole import.
func parseWishlistCSV(raw []byte) ([]entity.CSVItem, int, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	items := []entity.CSVItem{}
	skipped := 0
	first := true

	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fault.Permanentf("malformed csv: %v", err)
		}

		if first {
			first = false
			if len(record) > 0 && strings.EqualFold(strings.TrimSpace(record[0]), "name") {
				continue
			}
		}

		item := entity.CSVItem{}
		if len(record) > 0 {
			item.Name = strings.TrimSpace(record[0])
		}
		if len(record) > 1 {
			item.Price = strings.TrimSpace(record[1])
		}
		if len(record) > 2 {
			item.URL = strings.TrimSpace(record[2])
		}

		if item.Name == "" {
			skipped++
			continue
		}
		items = append(items, item)
	}

	return items, skipped, nil
}
