package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ktr0731/go-fuzzyfinder"

	"github.com/kodikgo/kodik/internal/api"
	"github.com/kodikgo/kodik/internal/cache"
	"github.com/kodikgo/kodik/internal/config"
	"github.com/kodikgo/kodik/internal/models"
	"github.com/kodikgo/kodik/internal/util"
	"github.com/kodikgo/kodik/internal/version"
)

func main() {
	// Define all flags in one place
	versionFlag := flag.Bool("version", false, "show version information")
	debugFlag := flag.Bool("debug", false, "enable debug mode")
	searchFlag := flag.String("search", "", "search media by title and pick interactively")
	idFlag := flag.String("id", "", "external catalogue id")
	idTypeFlag := flag.String("id-type", "shikimori", "id type: shikimori, kinopoisk, imdb")
	episodeFlag := flag.Int("episode", 0, "episode number")
	translationFlag := flag.Int("translation", 0, "translation id (0 keeps the default)")
	infoFlag := flag.Bool("info", false, "print series count and translations")
	probeFlag := flag.Bool("probe", false, "probe the resolved manifest for variants")
	statsFlag := flag.Bool("stats", false, "print cache statistics")
	clearFlag := flag.Bool("clear-cache", false, "clear every cache tier")

	flag.Parse()

	if *versionFlag || version.HasVersionArg() {
		version.ShowVersion()
		return
	}

	util.SetDebugMode(*debugFlag)
	util.InitLogger()

	cfg, err := config.Load()
	if err != nil {
		util.Error("Failed to load config", "err", err)
		os.Exit(1)
	}

	svc, err := buildCache(cfg)
	if err != nil {
		util.Error("Failed to open cache", "err", err)
		os.Exit(1)
	}
	defer svc.Close()
	svc.StartSweeper()

	client := api.New(util.NewClient(cfg.HTTP.Timeout), svc, cfg.ClientConfig())
	ctx := context.Background()

	switch {
	case *clearFlag:
		client.ClearCache()
		util.Info("Cache cleared")

	case *statsFlag:
		printJSON(client.CacheStats())

	case *searchFlag != "":
		if err := runSearch(ctx, client, *searchFlag, *episodeFlag, *translationFlag, *probeFlag); err != nil {
			util.Error("Search failed", "err", err)
			os.Exit(1)
		}

	case *idFlag != "":
		idType := models.IDType(*idTypeFlag)
		if *infoFlag {
			info, err := client.GetInfo(ctx, *idFlag, idType)
			if err != nil {
				util.Error("Info lookup failed", "err", err)
				os.Exit(1)
			}
			printJSON(info)
			return
		}
		if err := resolveAndPrint(ctx, client, func() (*models.VideoURL, error) {
			return client.GetVideoURL(ctx, *idFlag, idType, *episodeFlag, *translationFlag)
		}, *probeFlag); err != nil {
			util.Error("Resolution failed", "err", err)
			os.Exit(1)
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func buildCache(cfg *config.Config) (*cache.Service, error) {
	if cfg.Cache.DisableDurable {
		return cache.New(cfg.CacheServiceConfig()), nil
	}
	fast, err := cache.NewBoltStore(filepath.Join(cfg.Cache.Dir, "fast.db"), 0)
	if err != nil {
		return nil, err
	}
	big, err := cache.NewSQLiteStore(filepath.Join(cfg.Cache.Dir, "cache.db"), 0)
	if err != nil {
		fast.Close()
		return nil, err
	}
	return cache.New(cfg.CacheServiceConfig(), fast, big), nil
}

func runSearch(ctx context.Context, client *api.Client, title string, episode, translation int, probe bool) error {
	resp, err := client.Search(ctx, title, api.SearchParams{Limit: 40})
	if err != nil {
		return err
	}
	if len(resp.Results) == 0 {
		return fmt.Errorf("no results for %q", title)
	}

	idx, err := fuzzyfinder.Find(resp.Results, func(i int) string {
		r := resp.Results[i]
		label := r.Title
		if r.Translation.Title != "" {
			label += " [" + r.Translation.Title + "]"
		}
		if r.Quality != "" {
			label += " (" + r.Quality + ")"
		}
		return label
	})
	if err != nil {
		return err
	}

	picked := resp.Results[idx]
	util.Info("Selected", "title", picked.Title, "link", picked.Link)
	return resolveAndPrint(ctx, client, func() (*models.VideoURL, error) {
		return client.ResolveEmbedLink(ctx, picked.Link, episode, translation)
	}, probe)
}

func resolveAndPrint(ctx context.Context, client *api.Client, resolve func() (*models.VideoURL, error), probe bool) error {
	vu, err := resolve()
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%d\n", vu.URL, vu.MaxQuality)

	if probe {
		manifestURL := fmt.Sprintf("%s%d.mp4:hls:manifest.m3u8", vu.URL, vu.MaxQuality)
		variants, err := client.ProbeManifest(ctx, manifestURL)
		if err != nil {
			return err
		}
		printJSON(variants)
	}
	return nil
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
