// Package validator performs static checks on workflow definitions before
// they are stored. Validation collects every problem in one pass so authors
// can fix a definition without resubmitting it once per error.
package validator
