package storage

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"calendar-live/domain"
)

// projectionPartition holds every row of the read model; ids are row keys.
const projectionPartition = "events"

// Projection is the read-optimized copy of the events table kept in Azure Tables.
type Projection struct {
	table *aztables.Client
}

// NewProjection opens the projection table named tableName.
func NewProjection(connStr, tableName string) (*Projection, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    30 * time.Second,
				RetryDelay:    time.Second,
				MaxRetryDelay: 10 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Projection{table: svc.NewClient(tableName)}, nil
}

// EnsureTable creates the projection table if it is missing.
func (p *Projection) EnsureTable(ctx context.Context) error {
	_, err := p.table.CreateTable(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists) {
			return nil
		}
		return err
	}
	return nil
}

// eventEntity is the row shape of a projected event. Day duplicates the start
// date so the table can be filtered by calendar day.
type eventEntity struct {
	aztables.Entity
	Name             string  `json:"Name"`
	Description      string  `json:"Description"`
	Start            string  `json:"Start"`
	End              string  `json:"End"`
	Day              string  `json:"Day"`
	Location         *string `json:"Location,omitempty"`
	OnlineLink       *string `json:"OnlineLink,omitempty"`
	MinAttendees     *int    `json:"MinAttendees,omitempty"`
	MaxAttendees     *int    `json:"MaxAttendees,omitempty"`
	LocationNotes    *string `json:"LocationNotes,omitempty"`
	PreparationNotes *string `json:"PreparationNotes,omitempty"`
}

func toEntity(ev domain.Event) eventEntity {
	return eventEntity{
		Entity:           aztables.Entity{PartitionKey: projectionPartition, RowKey: ev.ID},
		Name:             ev.Name,
		Description:      ev.Description,
		Start:            ev.Start.Format(time.RFC3339Nano),
		End:              ev.End.Format(time.RFC3339Nano),
		Day:              ev.Day(time.UTC),
		Location:         ev.Location,
		OnlineLink:       ev.OnlineLink,
		MinAttendees:     ev.MinAttendees,
		MaxAttendees:     ev.MaxAttendees,
		LocationNotes:    ev.LocationNotes,
		PreparationNotes: ev.PreparationNotes,
	}
}

func fromEntity(ent eventEntity) (domain.Event, error) {
	start, err := time.Parse(time.RFC3339Nano, ent.Start)
	if err != nil {
		return domain.Event{}, err
	}
	end, err := time.Parse(time.RFC3339Nano, ent.End)
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID:               ent.RowKey,
		Name:             ent.Name,
		Description:      ent.Description,
		Start:            start,
		End:              end,
		Location:         ent.Location,
		OnlineLink:       ent.OnlineLink,
		MinAttendees:     ent.MinAttendees,
		MaxAttendees:     ent.MaxAttendees,
		LocationNotes:    ent.LocationNotes,
		PreparationNotes: ent.PreparationNotes,
	}, nil
}

// Upsert writes the projected row for ev, replacing any previous version.
func (p *Projection) Upsert(ctx context.Context, ev domain.Event) error {
	payload, err := sonic.Marshal(toEntity(ev))
	if err != nil {
		return err
	}
	_, err = p.table.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// Remove deletes the projected row for id. A missing row is not an error.
func (p *Projection) Remove(ctx context.Context, id string) error {
	et := azcore.ETagAny
	_, err := p.table.DeleteEntity(ctx, projectionPartition, id, &aztables.DeleteEntityOptions{IfMatch: &et})
	if isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

// Get loads one projected event.
func (p *Projection) Get(ctx context.Context, id string) (domain.Event, error) {
	resp, err := p.table.GetEntity(ctx, projectionPartition, id, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return domain.Event{}, &domain.NotFoundError{ID: id}
		}
		return domain.Event{}, err
	}
	var ent eventEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Event{}, err
	}
	return fromEntity(ent)
}

// List returns every projected event ordered by start.
func (p *Projection) List(ctx context.Context) ([]domain.Event, error) {
	filter := "PartitionKey eq '" + projectionPartition + "'"
	pager := p.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	events := []domain.Event{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent eventEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			ev, err := fromEntity(ent)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
	}
	SortByStart(events)
	return events, nil
}

// Replace makes the table hold exactly events: every event is upserted and
// rows whose id is no longer present are removed.
func (p *Projection) Replace(ctx context.Context, events []domain.Event) error {
	current, err := p.List(ctx)
	if err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(events))
	for _, ev := range events {
		keep[ev.ID] = struct{}{}
		if err := p.Upsert(ctx, ev); err != nil {
			return err
		}
	}
	for _, ev := range current {
		if _, ok := keep[ev.ID]; ok {
			continue
		}
		if err := p.Remove(ctx, ev.ID); err != nil {
			return err
		}
	}
	return nil
}

// SortByStart orders events by start time, breaking ties by id.
func SortByStart(events []domain.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Start.Equal(events[j].Start) {
			return events[i].ID < events[j].ID
		}
		return events[i].Start.Before(events[j].Start)
	})
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}
