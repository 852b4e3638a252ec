package dmap

import (
	"sort"

	"github.com/paulswartz/data-platform/pkg/errors"
)

// Category groups endpoints that share an API and an API key.
type Category string

const (
	CategoryPublic     Category = "public"
	CategoryControlled Category = "controlled"
)

const (
	publicPrefix     = "datasetpublicusersapi/aggregations/"
	controlledPrefix = "controlledresearchusersapi/transactional/"
)

// Endpoint is one dataset series published by the API.
type Endpoint struct {
	LogicalID string
	Category  Category
	// Path is relative to the environment's base URL.
	Path string
}

var publicIDs = []string{
	"agg_average_boardings_by_day_type_month",
	"agg_boardings_fareprod_mode_month",
	"agg_total_boardings_month_mode",
	"agg_hourly_entry_exit_count",
	"agg_daily_fareprod_station",
	"agg_daily_transfers_station",
	"agg_daily_transfers_route",
	"agg_daily_fareprod_route",
}

var controlledIDs = []string{
	"use_transaction_longitudinal",
	"use_transaction_location",
	"sale_transaction",
	"device_event",
	"citation",
}

// PublicEndpoints returns the public aggregation endpoints.
func PublicEndpoints() []Endpoint {
	return build(publicIDs, CategoryPublic, publicPrefix)
}

// ControlledEndpoints returns the controlled research endpoints.
func ControlledEndpoints() []Endpoint {
	return build(controlledIDs, CategoryControlled, controlledPrefix)
}

// Endpoints returns every known endpoint, public first.
func Endpoints() []Endpoint {
	return append(PublicEndpoints(), ControlledEndpoints()...)
}

// Lookup finds an endpoint by logical id.
func Lookup(id string) (Endpoint, error) {
	for _, ep := range Endpoints() {
		if ep.LogicalID == id {
			return ep, nil
		}
	}
	return Endpoint{}, errors.Newf(errors.ErrorTypeNotFound, "unknown endpoint %q", id).
		WithDetail("known", knownIDs())
}

func build(ids []string, cat Category, prefix string) []Endpoint {
	out := make([]Endpoint, len(ids))
	for i, id := range ids {
		out[i] = Endpoint{LogicalID: id, Category: cat, Path: prefix + id}
	}
	return out
}

func knownIDs() []string {
	ids := append(append([]string(nil), publicIDs...), controlledIDs...)
	sort.Strings(ids)
	return ids
}
