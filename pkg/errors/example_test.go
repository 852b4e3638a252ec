// Package errors provides examples of structured error handling in dmapsync.
package errors_test

import (
	"fmt"
	"io"

	"github.com/paulswartz/data-platform/pkg/errors"
)

// Example demonstrates basic error creation and wrapping.
func Example() {
	err := errors.New(errors.ErrorTypeConnection, "dmap listing failed").
		WithDetail("endpoint", "agg_daily_fareprod_station").
		WithDetail("status", 503)

	fmt.Println(err.Error())

	// Output:
	// connection: dmap listing failed
}

// ExampleWrap shows how to wrap existing errors with context.
func ExampleWrap() {
	err := errors.Wrap(io.ErrUnexpectedEOF, errors.ErrorTypeData, "failed to read CSV").
		WithDetail("file", "agg_daily_fareprod_station.csv").
		WithDetail("line", 42)

	if errors.IsType(err, errors.ErrorTypeData) {
		fmt.Println("This is a data error")
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		fmt.Println("Original error was unexpected EOF")
	}

	// Output:
	// This is a data error
	// Original error was unexpected EOF
}

// ExampleIsRetryable shows how to check if an error is retryable.
func ExampleIsRetryable() {
	tempErr := errors.New(errors.ErrorTypeTimeout, "dmap API timed out")
	fatalErr := errors.New(errors.ErrorTypeNormalize, "unparseable date")

	if errors.IsRetryable(tempErr) {
		fmt.Println("Timeout error is retryable")
	}
	if !errors.IsRetryable(fatalErr) {
		fmt.Println("Normalize error is not retryable")
	}

	// Output:
	// Timeout error is retryable
	// Normalize error is not retryable
}

// ExampleIsType demonstrates checking error types.
func ExampleIsType() {
	notFound := errors.New(errors.ErrorTypeNotFound, "state.json does not exist")
	wrapped := errors.Wrap(notFound, errors.ErrorTypeStorage, "load watermarks")

	fmt.Printf("Outer is storage: %v\n", errors.IsType(wrapped, errors.ErrorTypeStorage))
	fmt.Printf("Outer is not_found: %v\n", errors.IsType(wrapped, errors.ErrorTypeNotFound))
	fmt.Printf("Chain has not_found: %v\n", errors.IsNotFound(wrapped))

	// Output:
	// Outer is storage: true
	// Outer is not_found: false
	// Chain has not_found: true
}

// Example_errorChain shows how to chain multiple error contexts.
func Example_errorChain() {
	err := errors.New(errors.ErrorTypeNormalize, "value does not match any date format")
	err = errors.Wrap(err, errors.ErrorTypeData, "normalize table").
		WithDetail("dataset_id", "agg_daily_fareprod_station_2022")

	fmt.Println("Full error chain:", err)

	// Output:
	// Full error chain: data: normalize table: normalize: value does not match any date format
}

// ExampleDescribe shows the text written next to quarantined payloads.
func ExampleDescribe() {
	err := errors.New(errors.ErrorTypeNormalize, "column failed").
		WithDetail("rule", "date").
		WithDetail("column", "Date")

	fmt.Print(errors.Describe(err))

	// Output:
	// normalize: column failed
	//   column: Date
	//   rule: date
}
