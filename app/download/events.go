package download

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	json "github.com/goccy/go-json"
)

const EventDownloadCompleted = "download.completed"

// Event is published once per committed download.
type Event struct {
	Type         string    `json:"type"`
	SessionID    string    `json:"session_id"`
	MangaID      string    `json:"manga_id"`
	MangaSlug    string    `json:"manga_slug"`
	ChapterSlug  string    `json:"chapter_slug"`
	ChapterIndex float64   `json:"chapter_index"`
	Bucket       string    `json:"bucket"`
	Pages        int       `json:"pages"`
	Skipped      int       `json:"skipped"`
	CompletedAt  time.Time `json:"completed_at"`
}

func eventFor(s *Session, at time.Time) Event {
	written, skipped := s.Pages()
	return Event{
		Type:         EventDownloadCompleted,
		SessionID:    s.ID,
		MangaID:      s.Manga.ID,
		MangaSlug:    s.Manga.Slug,
		ChapterSlug:  s.Chapter.Slug,
		ChapterIndex: s.Chapter.Index,
		Bucket:       string(s.Admission.Bucket),
		Pages:        written,
		Skipped:      skipped,
		CompletedAt:  at.UTC(),
	}
}

type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// SQSSender is the part of *sqs.Client the publisher uses.
type SQSSender interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQSPublisher struct {
	Client   SQSSender
	QueueURL string
}

func NewSQSPublisher(client SQSSender, queueURL string) *SQSPublisher {
	return &SQSPublisher{Client: client, QueueURL: queueURL}
}

func (p *SQSPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	_, err = p.Client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.QueueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("send %s event: %w", ev.Type, err)
	}
	return nil
}
