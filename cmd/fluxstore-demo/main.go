// Command fluxstore-demo wires a full Engine instantiation for a toy
// "note" domain and exercises Get/Create from the command line. Its
// shape is grounded on go-ethereum's cmd/maliciousvote-submit command:
// a urfave/cli/v2 App with subcommands, each building its own Engine.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fluxstore/fluxstore/fetcher/httpfetcher"
	"github.com/fluxstore/fluxstore/sot/pebblesot"
	"github.com/fluxstore/fluxstore/store"
)

// Note is the domain value the demo deals in.
type Note struct {
	ID        string
	Title     string
	Body      string
	UpdatedAt time.Time
}

// NoteRecord is the wire/read/write representation, shared across all
// three of the Converter's non-domain type slots for this simple demo.
type NoteRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	UpdatedAt int64  `json:"updatedAt"`
	ETag      string `json:"etag"`
}

type noteCodec struct{}

func (noteCodec) EncodeWrite(r NoteRecord) ([]byte, error) { return json.Marshal(r) }
func (noteCodec) DecodeRead(data []byte) (NoteRecord, error) {
	var r NoteRecord
	err := json.Unmarshal(data, &r)
	return r, err
}
func (noteCodec) DecodeWrite(data []byte) (NoteRecord, error) {
	var r NoteRecord
	err := json.Unmarshal(data, &r)
	return r, err
}

type noteConverter struct{}

func (noteConverter) NetToWriteEntity(key store.ByIDKey, net NoteRecord) (NoteRecord, error) {
	return net, nil
}

func (noteConverter) ReadEntityToDomain(key store.ByIDKey, read NoteRecord) (Note, error) {
	return Note{ID: read.ID, Title: read.Title, Body: read.Body, UpdatedAt: time.UnixMilli(read.UpdatedAt)}, nil
}

func (noteConverter) ReadEntityToDBMeta(read NoteRecord) store.DBMeta {
	return store.DBMeta{UpdatedAt: time.UnixMilli(read.UpdatedAt)}
}

func (noteConverter) NetToNetMeta(net NoteRecord) store.NetMeta {
	return store.NetMeta{ETag: net.ETag, HasETag: net.ETag != ""}
}

func (noteConverter) DomainToWriteEntity(key store.ByIDKey, domain Note) (NoteRecord, bool) {
	return NoteRecord{ID: domain.ID, Title: domain.Title, Body: domain.Body, UpdatedAt: domain.UpdatedAt.UnixMilli()}, true
}

// notePostClient submits a locally-created note to the toy notes API. It
// implements store.PostClient; the server's assigned id becomes the
// canonical key that replaces the caller's provisional one.
type notePostClient struct {
	client     *http.Client
	apiBaseURL string
}

func (c notePostClient) Post(ctx context.Context, wire any, pre store.Precondition) (store.MutationResponse[NoteRecord], store.ByIDKey, error) {
	var zero store.ByIDKey
	body, err := json.Marshal(wire)
	if err != nil {
		return store.MutationResponse[NoteRecord]{}, zero, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBaseURL+"/notes", bytes.NewReader(body))
	if err != nil {
		return store.MutationResponse[NoteRecord]{}, zero, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return store.MutationResponse[NoteRecord]{}, zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return store.MutationConflict[NoteRecord](resp.Header.Get("ETag")), zero, nil
	}
	if resp.StatusCode >= 400 {
		return store.MutationFailure[NoteRecord](fmt.Errorf("notes API: create failed with status %d", resp.StatusCode)), zero, nil
	}

	var created NoteRecord
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return store.MutationResponse[NoteRecord]{}, zero, err
	}
	canonical := store.ByIDKey{Ns: "notes", EntityType: "note", EntityID: created.ID}
	return store.MutationSuccess(created, true, created.ETag, created.ETag != ""), canonical, nil
}

func buildEngine(baseDir, apiBaseURL string, logger *zap.Logger) (*store.Engine[store.ByIDKey, Note, NoteRecord, NoteRecord, NoteRecord], func() error, error) {
	sot, err := pebblesot.Open[store.ByIDKey, NoteRecord, NoteRecord](baseDir, 0, noteCodec{})
	if err != nil {
		return nil, nil, err
	}

	fetch := httpfetcher.New[store.ByIDKey, NoteRecord](http.DefaultClient, 10, 5,
		func(ctx context.Context, key store.ByIDKey) (*http.Request, error) {
			url := fmt.Sprintf("%s/notes/%s", apiBaseURL, key.EntityID)
			return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		},
		func(resp *http.Response) (NoteRecord, error) {
			var r NoteRecord
			err := json.NewDecoder(resp.Body).Decode(&r)
			return r, err
		},
	)

	engine, err := store.New(store.Config[store.ByIDKey, Note, NoteRecord, NoteRecord, NoteRecord]{
		Memory:     store.NewMemoryCache[store.ByIDKey, Note](10_000, 5*time.Minute),
		SoT:        sot,
		Fetcher:    fetch,
		Converter:  noteConverter{},
		Validator:  store.FreshnessValidator{DefaultTTL: time.Minute},
		Logger:     logger,
		PostClient: notePostClient{client: http.DefaultClient, apiBaseURL: apiBaseURL},
	})
	if err != nil {
		sot.Close()
		return nil, nil, err
	}

	cleanup := func() error {
		engine.Close()
		return sot.Close()
	}
	return engine, cleanup, nil
}

// newProvisionalKey mints a locally-unique placeholder id for a note that
// has not yet been assigned a canonical id by the server.
func newProvisionalKey() store.ByIDKey {
	return store.ByIDKey{Ns: "notes", EntityType: "note", EntityID: "local-" + uuid.NewString()}
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	baseFlags := []cli.Flag{
		&cli.StringFlag{Name: "base-dir", Value: "./fluxstore-data", Usage: "pebble data directory"},
		&cli.StringFlag{Name: "api-base-url", Value: "http://localhost:8080", Usage: "base URL of the notes API"},
	}

	app := &cli.App{
		Name:  "fluxstore-demo",
		Usage: "demonstrate the fluxstore coordination core against a toy note API",
		Commands: []*cli.Command{
			{
				Name:  "get",
				Usage: "fetch a note by id",
				Flags: append(baseFlags, &cli.StringFlag{Name: "id", Required: true, Usage: "note id to operate on"}),
				Action: func(c *cli.Context) error {
					engine, cleanup, err := buildEngine(c.String("base-dir"), c.String("api-base-url"), logger)
					if err != nil {
						return err
					}
					defer cleanup()

					key := store.ByIDKey{Ns: "notes", EntityType: "note", EntityID: c.String("id")}
					note, err := engine.Get(c.Context, key, store.CachedOrFetch())
					if err != nil {
						return fmt.Errorf("get %s: %w", key, err)
					}
					fmt.Printf("note %s: %q (updated %s)\n", note.ID, note.Title, note.UpdatedAt)
					return nil
				},
			},
			{
				Name:  "create",
				Usage: "create a note, writing it locally under a provisional id until the server assigns a canonical one",
				Flags: append(baseFlags,
					&cli.StringFlag{Name: "title", Required: true},
					&cli.StringFlag{Name: "body"},
				),
				Action: func(c *cli.Context) error {
					engine, cleanup, err := buildEngine(c.String("base-dir"), c.String("api-base-url"), logger)
					if err != nil {
						return err
					}
					defer cleanup()

					provisional := newProvisionalKey()
					draft := NoteRecord{
						ID:        provisional.EntityID,
						Title:     c.String("title"),
						Body:      c.String("body"),
						UpdatedAt: time.Now().UnixMilli(),
					}
					result := engine.Create(c.Context, provisional, true, draft, store.MutationPolicy{})
					if result.IsFailed() {
						return fmt.Errorf("create note: %w", result.Cause())
					}
					fmt.Println("note created")
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fluxstore-demo:", err)
		os.Exit(1)
	}
}
