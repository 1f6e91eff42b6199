// Configuration sources, highest precedence first:
//
//  1. CLI flags that were set explicitly (--log-level, --batch-size, ...)
//  2. Environment variables (API_URL, HIS_DB_HOST, POST_BATCH_SIZE, ...)
//  3. A dotenv file, loaded into the environment without overriding it
//  4. An optional YAML file with ${VAR} expansion
//  5. Default()
//
// Durations coming from the environment are bare numbers: seconds for
// REQUEST_TIMEOUT, HIS_DB_*_TIMEOUT and the *_RETRY_BACKOFF values,
// milliseconds for POST_SLEEP_MS. The YAML file also accepts Go duration
// strings such as "750ms".
//
// Example YAML:
//
//	database:
//	  host: ${HIS_DB_HOST}
//	  name: hos11253
//	  retry_total: 2
//	delivery:
//	  api_url: https://sink.example.org/raw
//	  batch_url: https://sink.example.org/raw/batch
//	  batch_size: 50
//	  retry_statuses: [429, 500, 502, 503, 504]
package config
