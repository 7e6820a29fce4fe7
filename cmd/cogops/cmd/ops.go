package cmd

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/spf13/cobra"
	"github.com/tingold/cogops"
	"github.com/tingold/cogops/internal/logging"
)

// buildFunc constructs the operation of one subcommand.
type buildFunc func(cmd *cobra.Command, src cogops.TiledRaster, opts []cogops.Option) (*cogops.PointOp, error)

// newOpCmd wires the input, region, NoData and output flags shared by
// every operation command.
func newOpCmd(ctx context.Context, use, short string, build buildFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " [path|url]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOp(logging.AppendCtx(ctx, slog.String("cmd", use)), cmd, args[0], build)
		},
	}
	pf := cmd.Flags()
	pf.Int("overview", -1, "image level to read, 0 = full resolution (default: full, or best for --tile)")
	pf.String("window", "", "pixel window x0,y0,x1,y1 to process")
	pf.String("roi", "", "GeoJSON file with the polygons to process")
	pf.String("roi-crs", cogops.CRSWGS84, "CRS of the --roi geometry")
	pf.String("roi-rect", "", "pixel rectangle x0,y0,x1,y1 to process")
	pf.String("tile", "", "web map tile z/x/y to process")
	pf.StringArray("nodata", nil, "NoData range, repeated once per band or given once for all bands, e.g. \"[0,10)\" or nan")
	pf.Float64Slice("fill", nil, "values written for NoData and out-of-ROI pixels")
	pf.String("type", "", "destination sample type (byte, uint16, int16, int32, float32, float64)")
	pf.Int("workers", 0, "tiles computed at once (default: one per CPU)")
	pf.StringP("out", "o", "-", "output file, - for stdout")
	pf.Bool("raw", false, "write little-endian raw samples instead of TIFF")
	pf.Bool("no-table", false, "disable the byte lookup table fast path")
	return cmd
}

func runOp(ctx context.Context, cmd *cobra.Command, in string, build buildFunc) error {
	f := cmd.Flags()
	c, err := cogops.Open(in, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	level, _ := f.GetInt("overview")
	var tile *maptile.Tile
	if s, _ := f.GetString("tile"); s != "" {
		t, err := parseTile(s)
		if err != nil {
			return err
		}
		tile = &t
		if level < 0 {
			if level, err = c.LevelFor(t, 256); err != nil {
				return err
			}
		}
	}
	level = max(level, 0)

	raster, err := c.Raster(level)
	if err != nil {
		return err
	}
	var src cogops.TiledRaster = raster

	var opts []cogops.Option
	roi, err := readROI(cmd, c, level, tile)
	if err != nil {
		return err
	}
	if roi != nil {
		opts = append(opts, cogops.WithROI(roi))
		if tile != nil {
			// Only the tile's pixels are wanted.
			if src, err = cogops.Subset(src, roi.Bounds()); err != nil {
				return err
			}
		}
	}
	if s, _ := f.GetString("window"); s != "" {
		r, err := parseRect(s)
		if err != nil {
			return fmt.Errorf("invalid --window: %w", err)
		}
		if src, err = cogops.Subset(src, r); err != nil {
			return err
		}
	}

	if specs, _ := f.GetStringArray("nodata"); len(specs) > 0 {
		ranges := make([]cogops.Range, len(specs))
		for i, s := range specs {
			if ranges[i], err = cogops.ParseRange(s); err != nil {
				return err
			}
		}
		opts = append(opts, cogops.WithNoData(ranges...))
	} else if nd, ok := raster.NoData(); ok {
		opts = append(opts, cogops.WithNoData(cogops.PointRange(nd)))
	}
	if fill, _ := f.GetFloat64Slice("fill"); len(fill) > 0 {
		opts = append(opts, cogops.WithFill(fill...))
	}
	if s, _ := f.GetString("type"); s != "" {
		dt, err := cogops.ParseDataType(s)
		if err != nil {
			return err
		}
		opts = append(opts, cogops.WithDataType(dt))
	}
	if off, _ := f.GetBool("no-table"); off {
		opts = append(opts, cogops.WithByteTable(false))
	}

	op, err := build(cmd, src, opts)
	if err != nil {
		return err
	}
	if raw, _ := f.GetBool("raw"); !raw {
		l := op.Layout()
		if err := cogops.CheckTIFF(l.Type, l.Bands); err != nil {
			return fmt.Errorf("%w: pass --raw, or --type byte or uint16", err)
		}
	}
	slog.InfoContext(ctx, "running operation", "op", op.ID(), "input", in, "level", level, "bounds", op.Layout().Bounds.String())

	workers, _ := f.GetInt("workers")
	result, err := cogops.Mosaic(ctx, op, workers)
	if err != nil {
		return err
	}
	return writeResult(cmd, result)
}

func writeResult(cmd *cobra.Command, result cogops.TiledRaster) error {
	out, _ := cmd.Flags().GetString("out")
	raw, _ := cmd.Flags().GetBool("raw")

	var w io.Writer = cmd.OutOrStdout()
	if out != "-" {
		file, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer file.Close()
		w = file
	}
	if raw {
		_, err := cogops.WriteRaw(w, result, binary.LittleEndian)
		return err
	}
	return cogops.WriteTIFF(w, result)
}

// readROI builds the region from --roi, --roi-rect or the tile, in that order.
func readROI(cmd *cobra.Command, c *cogops.COG, level int, tile *maptile.Tile) (cogops.ROI, error) {
	f := cmd.Flags()
	if path, _ := f.GetString("roi"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read ROI: %w", err)
		}
		g, err := parseGeoJSON(data)
		if err != nil {
			return nil, err
		}
		crs, _ := f.GetString("roi-crs")
		return c.ROI(g, crs, level)
	}
	if s, _ := f.GetString("roi-rect"); s != "" {
		r, err := parseRect(s)
		if err != nil {
			return nil, fmt.Errorf("invalid --roi-rect: %w", err)
		}
		return cogops.NewRectROI(r), nil
	}
	if tile != nil {
		return c.TileROI(*tile, level)
	}
	return nil, nil
}

// parseGeoJSON collects the polygons of a feature collection, a feature or
// a bare geometry into one multipolygon.
func parseGeoJSON(data []byte) (orb.MultiPolygon, error) {
	var geoms []orb.Geometry
	if fc, err := geojson.UnmarshalFeatureCollection(data); err == nil && len(fc.Features) > 0 {
		for _, feat := range fc.Features {
			geoms = append(geoms, feat.Geometry)
		}
	} else if feat, err := geojson.UnmarshalFeature(data); err == nil && feat.Geometry != nil {
		geoms = append(geoms, feat.Geometry)
	} else {
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse GeoJSON: %w", err)
		}
		geoms = append(geoms, g.Geometry())
	}

	var mp orb.MultiPolygon
	for _, g := range geoms {
		switch v := g.(type) {
		case orb.Polygon:
			mp = append(mp, v)
		case orb.MultiPolygon:
			mp = append(mp, v...)
		case orb.Bound:
			mp = append(mp, cogops.PolygonFromBounds(v))
		}
	}
	if len(mp) == 0 {
		return nil, fmt.Errorf("%w: GeoJSON holds no polygons", cogops.ErrInvalidGeometry)
	}
	return mp, nil
}

func parseTile(s string) (maptile.Tile, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return maptile.Tile{}, fmt.Errorf("invalid tile %q, want z/x/y", s)
	}
	var v [3]uint64
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return maptile.Tile{}, fmt.Errorf("invalid tile %q: %w", s, err)
		}
		v[i] = n
	}
	t := maptile.New(uint32(v[1]), uint32(v[2]), maptile.Zoom(v[0]))
	if !t.Valid() {
		return maptile.Tile{}, fmt.Errorf("tile %q is outside its zoom level", s)
	}
	return t, nil
}

func parseRect(s string) (image.Rectangle, error) {
	v, err := parseFloats(s)
	if err != nil {
		return image.Rectangle{}, err
	}
	if len(v) != 4 {
		return image.Rectangle{}, fmt.Errorf("want x0,y0,x1,y1, got %q", s)
	}
	return image.Rect(int(v[0]), int(v[1]), int(v[2]), int(v[3])), nil
}

func parseFloats(s string) ([]float64, error) {
	var out []float64
	for _, p := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// NewConstCmd applies constant arithmetic per band.
func NewConstCmd(ctx context.Context) *cobra.Command {
	cmd := newOpCmd(ctx, "const", "add, subtract, multiply or divide by per-band constants",
		func(cmd *cobra.Command, src cogops.TiledRaster, opts []cogops.Option) (*cogops.PointOp, error) {
			name, _ := cmd.Flags().GetString("op")
			op, err := cogops.ParseConstOperator(name)
			if err != nil {
				return nil, err
			}
			values, _ := cmd.Flags().GetFloat64Slice("value")
			return cogops.NewConstOp(src, op, values, opts...)
		})
	cmd.Flags().String("op", "add", "operator (add, subtract, multiply, divide, subtractfrom, divideinto)")
	cmd.Flags().Float64Slice("value", nil, "constants, one shared or one per band")
	return cmd
}

// NewClampCmd clamps every band into [low, high].
func NewClampCmd(ctx context.Context) *cobra.Command {
	cmd := newOpCmd(ctx, "clamp", "clamp samples into per-band bounds",
		func(cmd *cobra.Command, src cogops.TiledRaster, opts []cogops.Option) (*cogops.PointOp, error) {
			low, _ := cmd.Flags().GetFloat64Slice("low")
			high, _ := cmd.Flags().GetFloat64Slice("high")
			return cogops.NewClampOp(src, low, high, opts...)
		})
	cmd.Flags().Float64Slice("low", nil, "lower bounds, one shared or one per band")
	cmd.Flags().Float64Slice("high", nil, "upper bounds, one shared or one per band")
	return cmd
}

// NewLookupCmd maps sample ranges to values.
func NewLookupCmd(ctx context.Context) *cobra.Command {
	cmd := newOpCmd(ctx, "lookup", "map sample ranges to values",
		func(cmd *cobra.Command, src cogops.TiledRaster, opts []cogops.Option) (*cogops.PointOp, error) {
			table, err := parseTable(cmd)
			if err != nil {
				return nil, err
			}
			return cogops.NewLookupOp(src, table, opts...)
		})
	cmd.Flags().StringArray("entry", nil, "range=value, e.g. \"[0,10)=1\"; earlier entries win where ranges overlap")
	cmd.Flags().String("default", "", "value for samples no entry matches (default: keep the sample)")
	return cmd
}

func parseTable(cmd *cobra.Command) (*cogops.Table, error) {
	entries, _ := cmd.Flags().GetStringArray("entry")
	b := cogops.NewTableBuilder()
	for _, e := range entries {
		i := strings.LastIndexByte(e, '=')
		if i < 0 {
			return nil, fmt.Errorf("invalid entry %q, want range=value", e)
		}
		r, err := cogops.ParseRange(strings.TrimSpace(e[:i]))
		if err != nil {
			return nil, err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(e[i+1:]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid entry value %q: %w", e, err)
		}
		b.Add(r, v)
	}
	if s, _ := cmd.Flags().GetString("default"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --default: %w", err)
		}
		b.Default(v)
	}
	return b.Build()
}
