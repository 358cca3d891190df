package kernels

// ClearUnit overwrites a [rows][cols] unit buffer with the sum of the given
// bias rows, or zeros when there are none
func ClearUnit(unit []float32, rows, cols int, biases ...[]float32) {
	if len(biases) == 0 {
		clear(unit[:rows*cols])
		return
	}
	first := biases[0][:cols]
	for r := 0; r < rows; r++ {
		row := unit[r*cols : (r+1)*cols]
		copy(row, first)
		for _, b := range biases[1:] {
			Saxpy(cols, 1, b, row)
		}
	}
}

// AddBias adds every bias row to each row of a [rows][cols] unit buffer
func AddBias(unit []float32, rows, cols int, biases ...[]float32) {
	for r := 0; r < rows; r++ {
		row := unit[r*cols : (r+1)*cols]
		for _, b := range biases {
			Saxpy(cols, 1, b, row)
		}
	}
}

// AddBuffers computes dst += src elementwise over len(src)
func AddBuffers(dst, src []float32) {
	Saxpy(len(src), 1, src, dst)
}

// AddBuffers2D adds a width×height block of src (row pitch spitch) into dst
// (row pitch dpitch)
func AddBuffers2D(dst []float32, dpitch int, src []float32, spitch int, width, height int) {
	for r := 0; r < height; r++ {
		Saxpy(width, 1, src[r*spitch:r*spitch+width], dst[r*dpitch:r*dpitch+width])
	}
}

// Copy2D copies a width×height block of src (row pitch spitch) into dst (row
// pitch dpitch)
func Copy2D(dst []float32, dpitch int, src []float32, spitch int, width, height int) {
	for r := 0; r < height; r++ {
		copy(dst[r*dpitch:r*dpitch+width], src[r*spitch:r*spitch+width])
	}
}

// ScaleAndBias maps every element x to x*scale + bias
func ScaleAndBias(data []float32, scale, bias float32) {
	for i, x := range data {
		data[i] = x*scale + bias
	}
}

// BiasGradient writes the descent direction -sum(delta)/rows of each column of
// a [rows][cols] delta block into grad
func BiasGradient(delta []float32, rows, cols int, grad []float32) {
	clear(grad[:cols])
	for r := 0; r < rows; r++ {
		Saxpy(cols, 1, delta[r*cols:(r+1)*cols], grad)
	}
	if rows > 0 {
		Sscal(cols, -1/float32(rows), grad)
	}
}
