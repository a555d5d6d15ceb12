// Package catalog reads KmsDataBase.xml: the Windows host builds, CSVLK
// (KMS host key) ranges and the application / KMS item / SKU tree used to
// name products in logs and to pick ePID parameters.
package catalog

import (
	"bytes"
	_ "embed"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/xmdhs/kmsd/codec"
)

//go:embed KmsDataBase.xml
var defaultXML []byte

// minDateLayout is the dd/mm/yyyy layout of the MinDate attribute.
const minDateLayout = "02/01/2006"

type WinBuild struct {
	// Index is the WinBuildIndex referenced by CSVLK InvalidWinBuild lists,
	// or -1 when the build is not usable for ePIDs.
	Index       int
	BuildNumber int
	PlatformID  int
	MinDate     time.Time
	DisplayName string
}

type Csvlk struct {
	DisplayName      string
	GroupID          int
	MinKeyID         int64
	MaxKeyID         int64
	InvalidWinBuilds []int
	Activates        []codec.UUID
}

// ValidFor reports whether the host build may be paired with this key.
func (c *Csvlk) ValidFor(b WinBuild) bool {
	if b.Index < 0 {
		return false
	}
	for _, i := range c.InvalidWinBuilds {
		if i == b.Index {
			return false
		}
	}
	return true
}

type App struct {
	ID          codec.UUID
	DisplayName string
	KmsItems    []KmsItem
}

type KmsItem struct {
	ID                 codec.UUID
	DisplayName        string
	NCountPolicy       int
	DefaultKmsProtocol string
	Skus               []Sku
}

type Sku struct {
	ID          codec.UUID
	DisplayName string
}

// Catalog is read-only after Parse and safe for concurrent use.
type Catalog struct {
	WinBuilds []WinBuild
	Csvlks    []Csvlk
	Apps      []App

	appNames map[codec.UUID]string
	kmsNames map[codec.UUID]string
	skuNames map[codec.UUID]string
	csvlks   map[codec.UUID]int
}

var defaultCatalog = sync.OnceValues(func() (*Catalog, error) {
	return Parse(bytes.NewReader(defaultXML))
})

// Default returns the catalog compiled into the binary.
func Default() *Catalog {
	c, err := defaultCatalog()
	if err != nil {
		panic(fmt.Errorf("embedded KmsDataBase.xml: %w", err))
	}
	return c
}

// Load reads the catalog at path, or returns Default when path is empty.
func Load(fs afero.Fs, path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	defer f.Close()

	c, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	return c, nil
}

// AppName returns the display name of an application id.
func (c *Catalog) AppName(id codec.UUID) (string, bool) {
	name, ok := c.appNames[id]
	return name, ok
}

// SkuName returns the display name of a SKU id.
func (c *Catalog) SkuName(id codec.UUID) (string, bool) {
	name, ok := c.skuNames[id]
	return name, ok
}

// KmsName returns the display name of a KMS counted id.
func (c *Catalog) KmsName(id codec.UUID) (string, bool) {
	name, ok := c.kmsNames[id]
	return name, ok
}

// CsvlkFor returns the host key that activates the KMS counted id.
func (c *Catalog) CsvlkFor(kmsID codec.UUID) (*Csvlk, bool) {
	i, ok := c.csvlks[kmsID]
	if !ok {
		return nil, false
	}
	return &c.Csvlks[i], true
}

type xmlWinBuild struct {
	WinBuildIndex string `xml:"WinBuildIndex,attr"`
	BuildNumber   string `xml:"BuildNumber,attr"`
	PlatformID    string `xml:"PlatformId,attr"`
	MinDate       string `xml:"MinDate,attr"`
	ReleaseDate   string `xml:"ReleaseDate,attr"`
	UseForEpid    string `xml:"UseForEpid,attr"`
	DisplayName   string `xml:"DisplayName,attr"`
}

type xmlCsvlk struct {
	DisplayName     string `xml:"DisplayName,attr"`
	GroupID         string `xml:"GroupId,attr"`
	MinKeyID        string `xml:"MinKeyId,attr"`
	MaxKeyID        string `xml:"MaxKeyId,attr"`
	InvalidWinBuild string `xml:"InvalidWinBuild,attr"`
	Activates       []struct {
		KmsItem string `xml:"KmsItem,attr"`
	} `xml:"Activate"`
}

type xmlApp struct {
	ID          string `xml:"Id,attr"`
	DisplayName string `xml:"DisplayName,attr"`
	KmsItems    []struct {
		ID                 string `xml:"Id,attr"`
		DisplayName        string `xml:"DisplayName,attr"`
		NCountPolicy       string `xml:"NCountPolicy,attr"`
		DefaultKmsProtocol string `xml:"DefaultKmsProtocol,attr"`
		SkuItems           []struct {
			ID          string `xml:"Id,attr"`
			DisplayName string `xml:"DisplayName,attr"`
		} `xml:"SkuItem"`
	} `xml:"KmsItem"`
}

// Parse reads a KmsDataBase document. WinBuild, CsvlkItem and AppItem
// elements are collected wherever they appear in the tree.
func Parse(r io.Reader) (*Catalog, error) {
	var (
		builds []xmlWinBuild
		csvlks []xmlCsvlk
		apps   []xmlApp
	)

	d := xml.NewDecoder(r)
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "WinBuild":
			var b xmlWinBuild
			err = d.DecodeElement(&b, &se)
			builds = append(builds, b)
		case "CsvlkItem":
			var c xmlCsvlk
			err = d.DecodeElement(&c, &se)
			csvlks = append(csvlks, c)
		case "AppItem":
			var a xmlApp
			err = d.DecodeElement(&a, &se)
			apps = append(apps, a)
		}
		if err != nil {
			return nil, err
		}
	}

	c := &Catalog{
		appNames: make(map[codec.UUID]string),
		kmsNames: make(map[codec.UUID]string),
		skuNames: make(map[codec.UUID]string),
		csvlks:   make(map[codec.UUID]int),
	}

	var err error
	if c.WinBuilds, err = normalizeBuilds(builds); err != nil {
		return nil, err
	}

	for _, x := range csvlks {
		cs, err := convertCsvlk(x)
		if err != nil {
			return nil, err
		}
		for _, id := range cs.Activates {
			if _, dup := c.csvlks[id]; !dup {
				c.csvlks[id] = len(c.Csvlks)
			}
		}
		c.Csvlks = append(c.Csvlks, cs)
	}

	for _, x := range apps {
		app := App{DisplayName: x.DisplayName}
		if app.ID, err = parseID("AppItem", x.ID); err != nil {
			return nil, err
		}
		c.appNames[app.ID] = app.DisplayName

		for _, k := range x.KmsItems {
			item := KmsItem{
				DisplayName:        k.DisplayName,
				DefaultKmsProtocol: k.DefaultKmsProtocol,
			}
			if item.ID, err = parseID("KmsItem", k.ID); err != nil {
				return nil, err
			}
			if k.NCountPolicy != "" {
				if item.NCountPolicy, err = strconv.Atoi(k.NCountPolicy); err != nil {
					return nil, fmt.Errorf("KmsItem %s: NCountPolicy: %w", k.ID, err)
				}
			}
			c.kmsNames[item.ID] = item.DisplayName

			for _, s := range k.SkuItems {
				sku := Sku{DisplayName: s.DisplayName}
				if sku.ID, err = parseID("SkuItem", s.ID); err != nil {
					return nil, err
				}
				c.skuNames[sku.ID] = sku.DisplayName
				item.Skus = append(item.Skus, sku)
			}
			app.KmsItems = append(app.KmsItems, item)
		}
		c.Apps = append(c.Apps, app)
	}

	return c, nil
}

// normalizeBuilds accepts both KmsData layouts. Version 2 documents carry an
// ISO ReleaseDate instead of MinDate and flag ePID host builds with
// UseForEpid; those builds are numbered 0..n in document order.
func normalizeBuilds(in []xmlWinBuild) ([]WinBuild, error) {
	renumber := false
	for _, x := range in {
		if strings.EqualFold(x.UseForEpid, "true") {
			renumber = true
			break
		}
	}

	out := make([]WinBuild, 0, len(in))
	next := 0
	for _, x := range in {
		b := WinBuild{Index: -1, DisplayName: x.DisplayName}

		var err error
		if b.BuildNumber, err = strconv.Atoi(x.BuildNumber); err != nil {
			return nil, fmt.Errorf("WinBuild %q: BuildNumber: %w", x.DisplayName, err)
		}
		if b.PlatformID, err = strconv.Atoi(x.PlatformID); err != nil {
			return nil, fmt.Errorf("WinBuild %q: PlatformId: %w", x.DisplayName, err)
		}

		switch {
		case x.MinDate != "":
			if b.MinDate, err = time.Parse(minDateLayout, x.MinDate); err != nil {
				return nil, fmt.Errorf("WinBuild %q: MinDate: %w", x.DisplayName, err)
			}
		case x.ReleaseDate != "":
			// An unreadable ReleaseDate leaves MinDate unset, as if absent.
			b.MinDate, _ = parseReleaseDate(x.ReleaseDate)
		}

		switch {
		case renumber:
			if strings.EqualFold(x.UseForEpid, "true") {
				b.Index = next
				next++
			}
		case x.WinBuildIndex != "":
			if b.Index, err = strconv.Atoi(x.WinBuildIndex); err != nil {
				return nil, fmt.Errorf("WinBuild %q: WinBuildIndex: %w", x.DisplayName, err)
			}
		}
		out = append(out, b)
	}
	return out, nil
}

func parseReleaseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised release date %q", s)
}

func convertCsvlk(x xmlCsvlk) (Csvlk, error) {
	cs := Csvlk{DisplayName: x.DisplayName}

	var err error
	if cs.GroupID, err = strconv.Atoi(x.GroupID); err != nil {
		return cs, fmt.Errorf("CsvlkItem %q: GroupId: %w", x.DisplayName, err)
	}
	if cs.MinKeyID, err = strconv.ParseInt(x.MinKeyID, 10, 64); err != nil {
		return cs, fmt.Errorf("CsvlkItem %q: MinKeyId: %w", x.DisplayName, err)
	}
	if cs.MaxKeyID, err = strconv.ParseInt(x.MaxKeyID, 10, 64); err != nil {
		return cs, fmt.Errorf("CsvlkItem %q: MaxKeyId: %w", x.DisplayName, err)
	}
	if cs.MaxKeyID < cs.MinKeyID {
		return cs, fmt.Errorf("CsvlkItem %q: MaxKeyId below MinKeyId", x.DisplayName)
	}

	for _, part := range strings.Split(strings.Trim(x.InvalidWinBuild, "[] "), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return cs, fmt.Errorf("CsvlkItem %q: InvalidWinBuild: %w", x.DisplayName, err)
		}
		cs.InvalidWinBuilds = append(cs.InvalidWinBuilds, n)
	}

	for _, a := range x.Activates {
		id, err := parseID("Activate", a.KmsItem)
		if err != nil {
			return cs, err
		}
		cs.Activates = append(cs.Activates, id)
	}
	return cs, nil
}

func parseID(element, s string) (codec.UUID, error) {
	id, err := codec.ParseUUID(s)
	if err != nil {
		return id, fmt.Errorf("%s: invalid id %q: %w", element, s, err)
	}
	return id, nil
}
