package shard

// Detection is one per-object measurement row from a primary exposure
// file. Column order matches the source CSV layout.
type Detection struct {
	ObjID   int64   `parquet:"objid"`
	HJD     float64 `parquet:"hjd"`
	RA      float64 `parquet:"ra"`
	Decl    float64 `parquet:"decl"`
	Mag     float64 `parquet:"mag"`
	MagErr  float64 `parquet:"magerr"`
	Type    float64 `parquet:"type"`
	Contam  float64 `parquet:"contam"`
	Chp     float64 `parquet:"chp"`
	Xp      float64 `parquet:"xp"`
	Yp      float64 `parquet:"yp"`
	Bfloor  float64 `parquet:"bfloor"`
	Moffset float64 `parquet:"moffset"`
	Fitsky  float64 `parquet:"fitsky"`
	Errlim  float64 `parquet:"errlim"`
	ExpNum  int64   `parquet:"expnum"`
}

// detectionColumns is the number of fields in a primary CSV row.
const detectionColumns = 16

// ExposureMeta is the single metadata row of a companion file.
// FitsName is optional in the source data.
type ExposureMeta struct {
	ExpNum   int64   `yaml:"expnum"`
	HJD      float64 `yaml:"hjd"`
	SkyPC2   float64 `yaml:"skypc2"`
	SkyPC5   float64 `yaml:"skypc5"`
	SkyPC10  float64 `yaml:"skypc10"`
	SkyPC90  float64 `yaml:"skypc90"`
	Filter   string  `yaml:"filter"`
	FitsName string  `yaml:"fitsname,omitempty"`
}

// metaColumns is the minimum number of fields in a companion CSV row.
const metaColumns = 7
