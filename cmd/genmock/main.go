// Command genmock writes a synthetic StorageConnect export for manual runs
// and load tests. A share of the fixes is deliberately broken, and the file
// is passed through the real extractor so the printed counts can be pasted
// into test assertions.
//
// Usage:
//
//	go run ./cmd/genmock -out data/mock/export.json -users 5 -packets 40 -fixes 20 -bad 0.1 -seed 42
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/couchcryptid/sc2gpkg/internal/adapter/jsonfile"
	"github.com/couchcryptid/sc2gpkg/internal/domain"
	"github.com/couchcryptid/sc2gpkg/internal/schema"
)

var baseTime = time.Date(2022, time.April, 19, 8, 0, 0, 0, time.UTC)

var devices = []string{"Pixel 4a", "Pixel 7", "iPhone 12", "iPhone 14 Pro", "Galaxy S21", "Moto G8"}

type packet struct {
	UserID        string   `json:"user_id"`
	DeviceDetails string   `json:"device_details"`
	Longitude     []string `json:"longitude"`
	Latitude      []string `json:"latitude"`
	Timestamp     []string `json:"timestamp"`
	Accuracy      []string `json:"accuracy"`
}

type export struct {
	Packets []packet `json:"packets"`
}

type user struct {
	id       string
	device   string
	lon, lat float64
	clock    time.Time
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "", "output path for the generated export")
	users := flag.Int("users", 5, "number of distinct users")
	packets := flag.Int("packets", 20, "number of packets")
	fixes := flag.Int("fixes", 10, "fixes per packet")
	bad := flag.Float64("bad", 0.1, "share of fixes to corrupt, 0 to 1")
	seed := flag.Int64("seed", 42, "random seed")
	flag.Parse()

	if *out == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -out")
	}
	if *users < 1 || *packets < 0 || *fixes < 1 || *bad < 0 || *bad > 1 {
		return fmt.Errorf("invalid sizes: users=%d packets=%d fixes=%d bad=%g", *users, *packets, *fixes, *bad)
	}

	doc := generate(gofakeit.New(*seed), *users, *packets, *fixes, *bad)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	log.Printf("wrote %d packets: %s", len(doc.Packets), *out)

	return printStats(data)
}

func generate(f *gofakeit.Faker, nUsers, nPackets, nFixes int, bad float64) export {
	people := make([]*user, nUsers)
	for i := range people {
		people[i] = &user{
			id:     fmt.Sprintf("%s-%04d", strings.ToLower(f.Username()), i),
			device: f.RandomString(devices),
			lon:    f.Float64Range(-10, 30),
			lat:    f.Float64Range(35, 60),
			clock:  baseTime.Add(time.Duration(f.IntRange(0, 3600)) * time.Second),
		}
	}

	doc := export{Packets: make([]packet, 0, nPackets)}
	for i := 0; i < nPackets; i++ {
		u := people[f.IntRange(0, nUsers-1)]
		p := packet{UserID: u.id, DeviceDetails: u.device}
		for j := 0; j < nFixes; j++ {
			u.lon += f.Float64Range(-0.0005, 0.0005)
			u.lat += f.Float64Range(-0.0005, 0.0005)
			u.clock = u.clock.Add(time.Duration(f.IntRange(5, 60)) * time.Second)

			lon, lat := commaDecimal(u.lon), commaDecimal(u.lat)
			ts := u.clock.Format("2006-01-02 15:04:05")
			if f.Float64Range(0, 1) < bad {
				lon, lat, ts = corrupt(f, lon, lat, ts)
			}
			p.Longitude = append(p.Longitude, lon)
			p.Latitude = append(p.Latitude, lat)
			p.Timestamp = append(p.Timestamp, ts)
			p.Accuracy = append(p.Accuracy, strconv.Itoa(f.IntRange(3, 50)))
		}
		doc.Packets = append(doc.Packets, p)
	}
	return doc
}

// corrupt breaks one field of a fix in a way the vendor app has been seen to.
func corrupt(f *gofakeit.Faker, lon, lat, ts string) (string, string, string) {
	switch f.IntRange(0, 3) {
	case 0:
		lat = commaDecimal(f.Float64Range(90.5, 180))
	case 1:
		lon = ""
	case 2:
		ts = f.RandomString([]string{"", "yesterday", "19/04/2022 25:61"})
	default:
		lon = "n/a"
	}
	return lon, lat, ts
}

func commaDecimal(v float64) string {
	return strings.Replace(strconv.FormatFloat(v, 'f', 6, 64), ".", ",", 1)
}

func printStats(data []byte) error {
	s, err := schema.Builtin(schema.Default)
	if err != nil {
		return err
	}
	records, stats, err := jsonfile.Decode(data, s)
	if err != nil {
		return fmt.Errorf("decode generated export: %w", err)
	}
	res := domain.NewExtractor(s).Extract(records)

	fmt.Println("\n=== Stats for updating test assertions ===")
	fmt.Printf("Packets: %d, records: %d\n", stats.Packets, stats.Records)
	fmt.Printf("Accepted: %d, rejected: %d\n", res.Accepted(), res.Rejected)

	counts := res.ReasonCounts()
	for _, r := range domain.Reasons() {
		fmt.Printf("  %-22s %d\n", r, counts[r])
	}

	byUser := domain.CountByUser(res.Features)
	ids := make([]string, 0, len(byUser))
	for id := range byUser {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Printf("Users (%d):", len(ids))
	for _, id := range ids {
		fmt.Printf(" %s=%d", id, byUser[id])
	}
	fmt.Println()
	return nil
}
