package geo

import (
	"math"
	"testing"

	schemaverify "github.com/davidahmann/tapcheck/core/schema/v1/verify"
)

func repeat(point schemaverify.GeoPoint, count int) []schemaverify.GeoPoint {
	out := make([]schemaverify.GeoPoint, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, point)
	}
	return out
}

func TestAggregateMajorityCluster(t *testing.T) {
	var points []schemaverify.GeoPoint
	points = append(points, repeat(schemaverify.GeoPoint{Latitude: 10, Longitude: 10}, 3)...)
	points = append(points, repeat(schemaverify.GeoPoint{Latitude: 10.0004, Longitude: 10.0004}, 3)...)
	points = append(points, schemaverify.GeoPoint{Latitude: 50, Longitude: 50})

	result := Aggregate(points, true, 50)
	if result.Representative == nil {
		t.Fatalf("expected representative point")
	}
	if math.Abs(result.Representative.Latitude-10.0002) > 1e-9 || math.Abs(result.Representative.Longitude-10.0002) > 1e-9 {
		t.Fatalf("expected mean of the six-point cluster, got %#v", result.Representative)
	}
	if !result.Disagreement || result.Clusters != 2 {
		t.Fatalf("expected disagreement across two clusters, got %#v", result)
	}
	if result.Used != 7 {
		t.Fatalf("expected all seven points used, got %d", result.Used)
	}
}

func TestAggregateSingleClusterNoDisagreement(t *testing.T) {
	points := []schemaverify.GeoPoint{
		{Latitude: 40.41680, Longitude: -3.70380},
		{Latitude: 40.41682, Longitude: -3.70381},
	}
	result := Aggregate(points, true, 50)
	if result.Disagreement || result.Clusters != 1 || result.Representative == nil {
		t.Fatalf("expected one agreeing cluster, got %#v", result)
	}
}

func TestAggregateSkipsInvalidPoints(t *testing.T) {
	points := []schemaverify.GeoPoint{
		{Latitude: 0, Longitude: 0},
		{Latitude: 91, Longitude: 10},
		{Latitude: 20, Longitude: 20},
	}
	result := Aggregate(points, true, 50)
	if result.Used != 1 || result.Representative == nil || result.Representative.Latitude != 20 {
		t.Fatalf("expected only the valid point to be used, got %#v", result)
	}
}

func TestAggregateRequireAtLeastOne(t *testing.T) {
	if result := Aggregate(nil, true, 50); !result.Missing || result.Representative != nil {
		t.Fatalf("expected missing location when required, got %#v", result)
	}
	if result := Aggregate(nil, false, 50); result.Missing {
		t.Fatalf("expected no missing flag when location is optional, got %#v", result)
	}
}

func TestAggregateTieGoesToEarliestCluster(t *testing.T) {
	points := []schemaverify.GeoPoint{
		{Latitude: -33.9, Longitude: 18.4},
		{Latitude: 51.5, Longitude: -0.12},
	}
	result := Aggregate(points, true, 0)
	if result.Representative == nil || result.Representative.Latitude != -33.9 {
		t.Fatalf("expected earliest cluster to win a tie, got %#v", result.Representative)
	}
}

func TestClassifyAndIssue(t *testing.T) {
	cases := map[Status]schemaverify.GeoPoint{
		StatusValid:      {Latitude: 40, Longitude: -3},
		StatusSentinel:   {Latitude: 0, Longitude: 0},
		StatusOutOfRange: {Latitude: 10, Longitude: 200},
		StatusUnparsable: {Latitude: math.NaN(), Longitude: 1},
	}
	for want, point := range cases {
		if got := Classify(point); got != want {
			t.Fatalf("Classify(%#v)=%s want %s", point, got, want)
		}
	}
	if _, ok := Issue(StatusValid, "m1.json"); ok {
		t.Fatal("valid status must not produce an issue")
	}
	issue, ok := Issue(StatusSentinel, "m1.json")
	if !ok || issue.Code != IssueCode || issue.Label != "m1.json" || issue.Message == "" {
		t.Fatalf("unexpected sentinel issue: %#v", issue)
	}
}
