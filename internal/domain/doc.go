// Package domain models DWD RADOLAN precipitation data and the grid it is
// harvested onto.
//
// # Data Source
//
// RADOLAN RW products are published by the Deutscher Wetterdienst (DWD) as
// one ASCII grid per hour covering all of Germany. The "recent" directory
// bundles each day into a gzipped tarball; days that have rolled out of the
// recent window are only available from the "historical" directory, which
// bundles a whole month into a plain tarball of daily tarballs:
//
//	recent/asc/RW-20240426.tar.gz        one day, 24 hourly files
//	historical/asc/2024/RW-202404.tar    one month, 30 daily RW-YYYYMMDD.tar.gz members
//	RW_20240426-1350.asc                 one hour, measured at 13:50 UTC
//
// Hourly files are stamped at minute 50 of every hour (the publication
// cadence). Filenames are in UTC.
//
// # Values
//
// Each grid value is the precipitation height of the preceding hour in
// tenths of a millimeter. 1 mm on a square meter is 1 liter, so a value of
// 380 is 38 liters per square meter. Zero and missing values are never
// stored: absence of a row means "no precipitation", which is why the grid
// assembler zero-fills missing hours.
//
// # Grid
//
// The area of interest is tessellated into fixed polygons (grid cells) by an
// out-of-band step. The harvester never mutates cells. Extracted polygons
// are matched to cells by testing whether the cell centroid lies within the
// extracted polygon.
//
// # Windows
//
// Harvest windows are half-open day ranges [Start, End) in the reference
// timezone; End is midnight of the current day so the possibly incomplete
// current day is never harvested. Assembly windows are inclusive hour
// ranges aligned to the publication minute. See [Window] and [HourlyWindow].
package domain
