//go:build ignore

// Package main generates a synthetic recipe and menu corpus for benchmarking.
// Usage: go run scripts/generate-corpus.go -items 5000 -output testdata/bench/items.jsonl
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/ketolab/ketorank/internal/store"
)

var (
	numItems   = flag.Int("items", 5000, "Number of items to generate")
	outputPath = flag.String("output", "testdata/bench/items.jsonl", "Output JSONL file")
	seed       = flag.Int64("seed", 42, "Random seed for reproducibility")
	menuShare  = flag.Int("menu-pct", 30, "Percentage of restaurant menu items")
)

var (
	proteins = []string{
		"삼겹살", "소고기", "닭다리살", "연어", "고등어", "두부", "달걀", "오리고기",
		"pork belly", "ribeye", "chicken thigh", "salmon", "shrimp", "lamb",
	}
	bases = []string{
		"콜리플라워 라이스", "곤약면", "애호박면", "양배추", "상추쌈", "버섯",
		"cauliflower rice", "zucchini noodles", "lettuce wrap", "spinach", "avocado",
	}
	styles = []string{
		"찌개", "볶음", "구이", "찜", "샐러드", "전골", "덮밥",
		"stir fry", "bowl", "salad", "skillet", "soup", "grill",
	}
	sauces = []string{
		"버터", "들기름", "고추기름", "마요네즈", "크림",
		"garlic butter", "pesto", "sesame oil", "hollandaise", "chimichurri",
	}
	restaurants = []string{
		"Seoul Kitchen", "Low Carb Lab", "버터앤솥", "Keto Table", "한우마당", "Green Fork",
	}
)

func main() {
	flag.Parse()
	rng := rand.New(rand.NewSource(*seed))

	if err := os.MkdirAll(filepath.Dir(*outputPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating output directory: %v\n", err)
		os.Exit(1)
	}
	f, err := os.Create(*outputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", *outputPath, err)
		os.Exit(1)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := 0; i < *numItems; i++ {
		if err := enc.Encode(generateItem(rng, i)); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing item %d: %v\n", i, err)
			os.Exit(1)
		}
	}
	if err := w.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "Error flushing %s: %v\n", *outputPath, err)
		os.Exit(1)
	}

	fmt.Printf("Generated %d items in %s\n", *numItems, *outputPath)
}

func pick(rng *rand.Rand, pool []string) string {
	return pool[rng.Intn(len(pool))]
}

func generateItem(rng *rand.Rand, i int) *store.Item {
	protein, base, style, sauce := pick(rng, proteins), pick(rng, bases), pick(rng, styles), pick(rng, sauces)
	netCarbs := float64(rng.Intn(150)) / 10

	it := &store.Item{
		ID:      fmt.Sprintf("r%d", i),
		Kind:    store.KindRecipe,
		Title:   fmt.Sprintf("%s %s", protein, style),
		Content: fmt.Sprintf("%s with %s and %s, %.1fg net carbs", protein, base, sauce, netCarbs),
		Tags:    []string{"keto", style},
		Payload: store.Payload{
			"net_carbs_g": netCarbs,
			"protein_g":   float64(15 + rng.Intn(40)),
			"fat_g":       float64(10 + rng.Intn(50)),
		},
	}

	if rng.Intn(100) < *menuShare {
		restaurant := pick(rng, restaurants)
		it.ID = fmt.Sprintf("m%d", i)
		it.Kind = store.KindRestaurant
		it.Title = fmt.Sprintf("%s (%s)", it.Title, base)
		it.Payload["restaurant"] = restaurant
		it.Payload["price_krw"] = float64(9000 + 500*rng.Intn(30))
	}
	return it
}
