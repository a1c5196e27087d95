package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/lifemapper/mapfront/internal/core/httpclient"
	"github.com/lifemapper/mapfront/internal/core/model"
	"github.com/lifemapper/mapfront/internal/core/observability"
	"github.com/lifemapper/mapfront/internal/logger"
)

const (
	idigbioSource      = "idigbio"
	idigbioAttribution = "iDigBio and the user community"
	idigbioThreshold   = 100000
	idigbioDetail      = "iDigBio points are represented as green dots on the map. Of those, " +
		"the occurrences published to iDigBio from the current collection are red."
)

type idigbioRequest struct {
	RQ        map[string]string `json:"rq"`
	Type      string            `json:"type"`
	Threshold int               `json:"threshold"`
}

type idigbioResponse struct {
	ItemCount *int   `json:"itemCount"`
	Tiles     string `json:"tiles"`
}

// IDigBio maps point density from the iDigBio search API. It asks twice:
// once for every record of the species and once restricted to the
// collection the occurrence came from.
type IDigBio struct {
	base string
	hc   *http.Client
	log  *slog.Logger
}

func NewIDigBio(baseURL string, hc *http.Client, log *slog.Logger) *IDigBio {
	if baseURL == "" {
		baseURL = "https://search.idigbio.org"
	}
	if hc == nil {
		hc = httpclient.NewOutbound(0)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &IDigBio{base: strings.TrimRight(baseURL, "/"), hc: hc, log: log}
}

func (a *IDigBio) Name() string { return idigbioSource }

type idigbioLayer struct {
	id        string
	label     string
	className string
	color     string
	code      *string
}

func (a *IDigBio) Layers(ctx context.Context, q Query) Result {
	if q.ScientificName == "" {
		return Result{}
	}

	collection := "collection"
	var code *string
	if q.CollectionCode != "" {
		collection = q.CollectionCode
		code = &q.CollectionCode
	}
	specs := []idigbioLayer{
		{id: model.OverlayID(idigbioSource, "all"), label: "iDigBio", className: "saturated", color: "#197"},
		{
			id:        model.OverlayID(idigbioSource, "collection"),
			label:     "iDigBio (" + collection + " points only)",
			className: "hue-rotate",
			color:     "#e68",
			code:      code,
		},
	}

	found := make([]*model.OverlayDescriptor, len(specs))
	errs := make([]error, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range specs {
		g.Go(func() error {
			found[i], errs[i] = a.layer(gctx, q.ScientificName, s)
			return nil
		})
	}
	_ = g.Wait()

	var res Result
	for _, d := range found {
		if d != nil {
			res.Overlays = append(res.Overlays, *d)
		}
	}
	if !res.Empty() {
		res.Details = []string{idigbioDetail}
	}

	// one entry per failed invocation, however many queries failed
	if err := errors.Join(errs...); err != nil {
		a.log.ErrorContext(ctx, "idigbio mapping request failed", "name", q.ScientificName, "err", err)
		observability.IncAdapterResult(idigbioSource, observability.OutcomeError)
		return res
	}
	if res.Empty() {
		a.log.DebugContext(ctx, "idigbio has no points", "name", q.ScientificName)
		observability.IncAdapterResult(idigbioSource, observability.OutcomeNoData)
	} else {
		observability.IncAdapterResult(idigbioSource, observability.OutcomeOK)
	}
	return res
}

// layer returns nil without error when iDigBio has no points for s.
func (a *IDigBio) layer(ctx context.Context, name string, s idigbioLayer) (*model.OverlayDescriptor, error) {
	rq := map[string]string{"scientificname": name}
	if s.code != nil {
		rq["collectioncode"] = *s.code
	}
	body := idigbioRequest{RQ: rq, Type: "auto", Threshold: idigbioThreshold}

	var resp idigbioResponse
	if err := httpclient.DoJSON(ctx, a.hc, idigbioSource, http.MethodPost, a.base+"/v2/mapping/", body, &resp); err != nil {
		return nil, fmt.Errorf("%s: %w", s.id, err)
	}
	if resp.ItemCount == nil || resp.Tiles == "" {
		return nil, fmt.Errorf("%s: malformed mapping response", s.id)
	}
	if *resp.ItemCount == 0 {
		return nil, nil
	}

	return &model.OverlayDescriptor{
		ID:         s.id,
		Label:      s.label,
		Source:     idigbioSource,
		Endpoint:   resp.Tiles,
		ServerType: model.TileServer,
		LayerOptions: map[string]any{
			"attribution": idigbioAttribution,
			"className":   s.className,
		},
		IsDefault: true,
		Legend:    &model.Legend{Kind: model.LegendPoint, Colors: []string{s.color}},
	}, nil
}
