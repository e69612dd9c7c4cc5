package postgres

const schema = `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE IF NOT EXISTS radolan_geometry (
	id       bigint PRIMARY KEY,
	geometry geometry(Geometry, 4326) NOT NULL,
	centroid geometry(Point, 4326)    NOT NULL
);
CREATE INDEX IF NOT EXISTS radolan_geometry_centroid_idx ON radolan_geometry USING gist (centroid);

CREATE TABLE IF NOT EXISTS radolan_data (
	id          bigserial PRIMARY KEY,
	geom_id     bigint           NOT NULL REFERENCES radolan_geometry (id),
	value       double precision NOT NULL,
	measured_at timestamptz      NOT NULL
);
CREATE INDEX IF NOT EXISTS radolan_data_geom_measured_idx ON radolan_data (geom_id, measured_at);
CREATE INDEX IF NOT EXISTS radolan_data_measured_idx ON radolan_data (measured_at);

CREATE TABLE IF NOT EXISTS radolan_harvester (
	id              integer PRIMARY KEY CHECK (id = 1),
	collection_date timestamptz NOT NULL,
	start_date      timestamptz,
	end_date        timestamptz
);

CREATE TABLE IF NOT EXISTS monthly_aggregated_radolan_data (
	year                             integer NOT NULL,
	month                            integer NOT NULL,
	last_harvest_day                 integer NOT NULL,
	avg_precipitation_liters_per_sm2 double precision NOT NULL,
	harvesting_finished              boolean NOT NULL DEFAULT false,
	PRIMARY KEY (year, month)
);

CREATE TABLE IF NOT EXISTS trees (
	id           text PRIMARY KEY,
	geom         geometry(Point, 4326) NOT NULL,
	radolan_sum  double precision,
	radolan_days double precision[],
	pflanzjahr   integer
);
CREATE INDEX IF NOT EXISTS trees_geom_idx ON trees USING gist (geom);

CREATE TABLE IF NOT EXISTS trees_watered (
	id        bigserial PRIMARY KEY,
	tree_id   text             NOT NULL,
	amount    double precision NOT NULL,
	timestamp timestamptz      NOT NULL
);
`
