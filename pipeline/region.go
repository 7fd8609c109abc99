package pipeline

import (
	"regexp"
	"strings"

	"github.com/pyama86/mixstatus/domain/entity"
)

type regionPattern struct {
	region  entity.Region
	pattern *regexp.Regexp
}

func keywords(words ...string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`\b(` + strings.Join(quoted, "|") + `)\b`)
}

var regionPatterns = []regionPattern{
	{entity.RegionEurope, keywords(
		"europe", "eu", "emea", "eu-west-1", "eu-west-2", "eu-west-3", "eu-central-1", "eu-north-1", "eu-south-1",
		"europe-west1", "europe-west2", "europe-west3", "europe-west4",
		"frankfurt", "london", "dublin", "amsterdam", "paris", "stockholm", "milan", "madrid", "zurich", "warsaw",
		"ireland", "germany", "netherlands", "france", "uk",
	)},
	{entity.RegionNorthAmerica, keywords(
		"north america", "us", "usa", "us-east-1", "us-east-2", "us-west-1", "us-west-2", "us-central1", "us-east1", "us-west1",
		"virginia", "ohio", "oregon", "california", "new york", "chicago", "dallas", "toronto", "montreal", "canada",
	)},
	{entity.RegionAsia, keywords(
		"asia", "apac", "ap-northeast-1", "ap-northeast-2", "ap-southeast-1", "ap-south-1", "asia-northeast1", "asia-southeast1",
		"tokyo", "osaka", "singapore", "hong kong", "mumbai", "seoul", "india", "japan",
	)},
	{entity.RegionAustralasia, keywords(
		"australasia", "anz", "ap-southeast-2", "australia-southeast1",
		"sydney", "melbourne", "australia", "new zealand", "auckland",
	)},
	{entity.RegionSouthAmerica, keywords(
		"south america", "latam", "sa-east-1", "southamerica-east1",
		"são paulo", "sao paulo", "brazil", "santiago", "buenos aires",
	)},
}

// regionsOf は構成要素名から読み取れる地域を出現順に返す
func regionsOf(components []string) []entity.Region {
	seen := map[entity.Region]bool{}
	var regions []entity.Region
	for _, c := range components {
		lower := strings.ToLower(c)
		for _, p := range regionPatterns {
			if !seen[p.region] && p.pattern.MatchString(lower) {
				seen[p.region] = true
				regions = append(regions, p.region)
			}
		}
	}
	return regions
}

// ResolveRegion は複数地域にまたがる場合にglobalへ寄せる
func ResolveRegion(components []string, model entity.Region) entity.Region {
	regions := regionsOf(components)
	switch {
	case len(regions) >= 2:
		return entity.RegionGlobal
	case len(regions) == 1:
		return regions[0]
	case model.Valid():
		return model
	default:
		return entity.RegionGlobal
	}
}

func normalizeRegion(s string) entity.Region {
	r := strings.ToLower(strings.TrimSpace(s))
	r = strings.NewReplacer(" ", "-", "_", "-").Replace(r)
	return entity.Region(r)
}
