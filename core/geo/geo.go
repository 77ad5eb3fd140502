package geo

import (
	"fmt"
	"math"
	"sort"

	schemaverify "github.com/davidahmann/tapcheck/core/schema/v1/verify"
)

const (
	DefaultCellMeters = 50.0
	metersPerDegree   = 111320.0
	minCosLatitude    = 1e-6
)

type Status string

const (
	StatusValid      Status = "valid"
	StatusMissing    Status = "missing"
	StatusUnparsable Status = "unparsable"
	StatusSentinel   Status = "sentinel"
	StatusOutOfRange Status = "out_of_range"
)

const IssueCode = "geo_issue"

func Classify(point schemaverify.GeoPoint) Status {
	if math.IsNaN(point.Latitude) || math.IsNaN(point.Longitude) {
		return StatusUnparsable
	}
	if point.Latitude == 0 && point.Longitude == 0 {
		return StatusSentinel
	}
	if !point.Valid() {
		return StatusOutOfRange
	}
	return StatusValid
}

// Issue describes a per-entry location problem. Valid locations yield ok=false.
func Issue(status Status, label string) (schemaverify.Issue, bool) {
	var message string
	switch status {
	case StatusValid:
		return schemaverify.Issue{}, false
	case StatusMissing:
		message = "measurement has no geolocation"
	case StatusUnparsable:
		message = "measurement geolocation could not be parsed"
	case StatusSentinel:
		message = "measurement geolocation is (0,0), the instrument had no fix"
	case StatusOutOfRange:
		message = "measurement geolocation is out of range"
	default:
		message = fmt.Sprintf("measurement geolocation status %q", status)
	}
	return schemaverify.Issue{Code: IssueCode, Label: label, Message: message}, true
}

type Result struct {
	Representative *schemaverify.GeoPoint
	Disagreement   bool
	Clusters       int
	Used           int
	Missing        bool
}

type cellKey struct {
	row int64
	col int64
}

type cell struct {
	key    cellKey
	points []schemaverify.GeoPoint
	first  int
}

// Aggregate buckets valid points into a grid of roughly cellMeters squares,
// joins touching cells into clusters and averages the largest cluster.
// Ties go to the cluster that holds the earliest point.
func Aggregate(points []schemaverify.GeoPoint, requireAtLeastOne bool, cellMeters float64) Result {
	if cellMeters <= 0 {
		cellMeters = DefaultCellMeters
	}
	latStep := cellMeters / metersPerDegree

	cells := map[cellKey]*cell{}
	var order []cellKey
	used := 0
	for index, point := range points {
		if Classify(point) != StatusValid {
			continue
		}
		used++
		key := cellFor(point, latStep)
		existing, ok := cells[key]
		if !ok {
			existing = &cell{key: key, first: index}
			cells[key] = existing
			order = append(order, key)
		}
		existing.points = append(existing.points, point)
	}
	if used == 0 {
		return Result{Missing: requireAtLeastOne}
	}

	clusters := joinAdjacent(cells, order)
	sort.SliceStable(clusters, func(i, j int) bool {
		if clusters[i].count != clusters[j].count {
			return clusters[i].count > clusters[j].count
		}
		return clusters[i].first < clusters[j].first
	})
	winner := clusters[0]
	representative := mean(winner.points)
	return Result{
		Representative: &representative,
		Disagreement:   len(clusters) > 1,
		Clusters:       len(clusters),
		Used:           used,
	}
}

func cellFor(point schemaverify.GeoPoint, latStep float64) cellKey {
	row := int64(math.Floor(point.Latitude / latStep))
	rowCenter := (float64(row) + 0.5) * latStep
	cosLatitude := math.Cos(rowCenter * math.Pi / 180)
	if cosLatitude < minCosLatitude {
		cosLatitude = minCosLatitude
	}
	lonStep := latStep / cosLatitude
	col := int64(math.Floor(point.Longitude / lonStep))
	return cellKey{row: row, col: col}
}

type cluster struct {
	points []schemaverify.GeoPoint
	count  int
	first  int
}

func joinAdjacent(cells map[cellKey]*cell, order []cellKey) []cluster {
	visited := map[cellKey]bool{}
	var clusters []cluster
	for _, start := range order {
		if visited[start] {
			continue
		}
		current := cluster{first: cells[start].first}
		stack := []cellKey{start}
		visited[start] = true
		for len(stack) > 0 {
			key := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			member := cells[key]
			current.points = append(current.points, member.points...)
			if member.first < current.first {
				current.first = member.first
			}
			for dRow := int64(-1); dRow <= 1; dRow++ {
				for dCol := int64(-1); dCol <= 1; dCol++ {
					neighbour := cellKey{row: key.row + dRow, col: key.col + dCol}
					if visited[neighbour] {
						continue
					}
					if _, ok := cells[neighbour]; !ok {
						continue
					}
					visited[neighbour] = true
					stack = append(stack, neighbour)
				}
			}
		}
		current.count = len(current.points)
		clusters = append(clusters, current)
	}
	return clusters
}

func mean(points []schemaverify.GeoPoint) schemaverify.GeoPoint {
	var latitude, longitude float64
	for _, point := range points {
		latitude += point.Latitude
		longitude += point.Longitude
	}
	count := float64(len(points))
	return schemaverify.GeoPoint{Latitude: latitude / count, Longitude: longitude / count}
}
